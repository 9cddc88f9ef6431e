package playback

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// filePlaceholder in a player command line is replaced with the audio path.
const filePlaceholder = "{file}"

type knownPlayer struct {
	name string
	args []string
}

// knownPlayers are tried in order. All of them exit when the file ends.
var knownPlayers = []knownPlayer{
	{"mpv", []string{"--no-video", "--really-quiet", filePlaceholder}},
	{"ffplay", []string{"-nodisp", "-autoexit", "-loglevel", "quiet", filePlaceholder}},
	{"afplay", []string{filePlaceholder}},
	{"cvlc", []string{"--play-and-exit", "--quiet", filePlaceholder}},
	{"paplay", []string{filePlaceholder}},
}

var lookPath = exec.LookPath

// CommandDevice plays a file by running an external player.
type CommandDevice struct {
	argv []string
}

// NewCommandDevice parses a player command line. The file is appended when
// the command has no {file} placeholder.
func NewCommandDevice(command string) (*CommandDevice, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: player command empty", ErrPlaybackUnavailable)
	}
	if _, err := lookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaybackUnavailable, err)
	}
	if !strings.Contains(command, filePlaceholder) {
		args = append(args, filePlaceholder)
	}
	return &CommandDevice{argv: args}, nil
}

// FindCommandDevice returns the first known player installed on this host.
func FindCommandDevice() (*CommandDevice, error) {
	for _, p := range knownPlayers {
		path, err := lookPath(p.name)
		if err != nil {
			continue
		}
		return &CommandDevice{argv: append([]string{path}, p.args...)}, nil
	}
	return nil, fmt.Errorf("%w: none of mpv, ffplay, afplay, cvlc or paplay found in PATH", ErrPlaybackUnavailable)
}

func (d *CommandDevice) Name() string {
	return d.argv[0]
}

func (d *CommandDevice) Play(ctx context.Context, path string) error {
	args := make([]string, 0, len(d.argv)-1)
	for _, a := range d.argv[1:] {
		args = append(args, strings.ReplaceAll(a, filePlaceholder, path))
	}

	cmd := exec.CommandContext(ctx, d.argv[0], args...)
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", d.Name(), err, strings.TrimSpace(string(output)))
	}
	return nil
}
