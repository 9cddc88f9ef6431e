package synth

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const espeakBackend = "espeak"

// ESpeak synthesizes WAV audio with a local eSpeak or eSpeak-NG install.
type ESpeak struct {
	*Command
	path string
}

// NewESpeak locates the eSpeak executable. speed is a multiplier of the
// default 175 words per minute.
func NewESpeak(speed float64) (*ESpeak, error) {
	path, err := findESpeakExecutable()
	if err != nil {
		return nil, fmt.Errorf("eSpeak not found: %w", err)
	}
	if speed <= 0 {
		speed = 1.0
	}
	argv := []string{path, "-v", voicePlaceholder, "-s", strconv.Itoa(int(175 * speed)), "--stdin", "--stdout"}
	return &ESpeak{Command: newCommand(espeakBackend, argv, FormatWAV), path: path}, nil
}

func findESpeakExecutable() (string, error) {
	candidates := []string{"espeak-ng", "espeak"}

	for _, candidate := range candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: eSpeak executable not found in PATH", ErrEngineUnavailable)
}

func (e *ESpeak) Voices(ctx context.Context) ([]Voice, error) {
	output, err := exec.CommandContext(ctx, e.path, "--voices").Output()
	if err != nil {
		return nil, fmt.Errorf("list eSpeak voices: %w", err)
	}
	return parseESpeakVoices(string(output)), nil
}

// parseESpeakVoices reads the table printed by `espeak --voices`:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
func parseESpeakVoices(output string) []Voice {
	lines := strings.Split(output, "\n")
	voices := make([]Voice, 0)

	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		gender := ""
		if g := strings.SplitN(fields[2], "/", 2); len(g) == 2 {
			switch g[1] {
			case "M":
				gender = "male"
			case "F":
				gender = "female"
			}
		}
		voices = append(voices, Voice{Name: fields[3], Language: fields[1], Gender: gender})
	}

	return voices
}
