// Package synth defines the speech synthesis backends used to turn a single
// chunk of text into audio bytes.
package synth

import (
	"context"
)

// AudioFormat is the container a backend produces.
type AudioFormat string

const (
	FormatMP3 AudioFormat = "mp3"
	FormatWAV AudioFormat = "wav"
)

// Ext returns the file extension for the format, dot included.
func (f AudioFormat) Ext() string {
	return "." + string(f)
}

func (f AudioFormat) String() string {
	return string(f)
}

// Request is one synthesis call.
type Request struct {
	// Index is the chunk the text belongs to. Backends only use it for logging.
	Index int
	Text  string
	Voice string
}

// Synthesizer turns text into audio. Implementations must be safe for
// concurrent use.
type Synthesizer interface {
	Name() string
	Format() AudioFormat
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Voice describes a voice a backend offers.
type Voice struct {
	Name     string
	Language string
	Gender   string
}

// VoiceLister is implemented by backends that can enumerate their voices.
type VoiceLister interface {
	Voices(ctx context.Context) ([]Voice, error)
}

// Fingerprinter is implemented by backends whose audio depends on settings
// other than the voice, such as speaking rate or volume. Caches include the
// fingerprint in their key.
type Fingerprinter interface {
	Fingerprint() string
}

// InputLimiter is implemented by backends that cap a request's text in bytes.
type InputLimiter interface {
	MaxInputBytes() int
}
