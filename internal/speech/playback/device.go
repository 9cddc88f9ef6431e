// Package playback plays finished audio files on the local machine.
package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrPlaybackUnavailable means no usable player exists. Callers degrade to
// generating audio without playing it.
var ErrPlaybackUnavailable = errors.New("no playback backend available")

// Device plays one audio file. Play blocks until playback ends or ctx is
// cancelled.
type Device interface {
	Name() string
	Play(ctx context.Context, path string) error
}

const (
	PreferenceAuto    = "auto"
	PreferenceSpeaker = "speaker"
	PreferenceCommand = "command"
	PreferenceNone    = "none"
)

// Detect returns the device for preference. "auto" tries the built-in
// speaker first and then the known command line players; any other value not
// listed above is taken as a player command line.
func Detect(preference string, logger logrus.FieldLogger) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case PreferenceNone:
		return nil, fmt.Errorf("%w: playback disabled", ErrPlaybackUnavailable)

	case PreferenceSpeaker:
		return device(openSpeaker())

	case PreferenceCommand:
		return device(FindCommandDevice())

	case "", PreferenceAuto:
		speaker, err := openSpeaker()
		if err == nil {
			return speaker, nil
		}
		logger.WithError(err).Debug("Speaker unavailable, looking for a player command")
		return device(FindCommandDevice())

	default:
		return device(NewCommandDevice(preference))
	}
}

// device keeps a typed nil pointer from turning into a non-nil Device.
func device[T Device](d T, err error) (Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}
