package playback

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// speakerRate is the rate the speaker is opened at. Files at other rates are
// resampled.
const speakerRate = beep.SampleRate(44100)

var (
	speakerOnce sync.Once
	speakerErr  error
)

// SpeakerDevice plays through the default audio output with beep.
type SpeakerDevice struct {
	mu sync.Mutex
}

func openSpeaker() (*SpeakerDevice, error) {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(speakerRate, speakerRate.N(time.Second/10))
	})
	if speakerErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaybackUnavailable, speakerErr)
	}
	return &SpeakerDevice{}, nil
}

func (d *SpeakerDevice) Name() string {
	return "speaker"
}

func (d *SpeakerDevice) Play(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audio %s: %w", path, err)
	}
	defer f.Close()

	streamer, format, err := Decode(f, path)
	if err != nil {
		return err
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if format.SampleRate != speakerRate {
		s = beep.Resample(4, format.SampleRate, speakerRate, streamer)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// Decode opens an MP3 or WAV stream, chosen by the file extension.
func Decode(r io.ReadCloser, path string) (beep.StreamSeekCloser, beep.Format, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		streamer, format, err = mp3.Decode(r)
	case ".wav":
		streamer, format, err = wav.Decode(r)
	default:
		return nil, beep.Format{}, fmt.Errorf("unsupported audio format %q", ext)
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return streamer, format, nil
}
