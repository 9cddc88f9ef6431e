package synth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

const commandBackend = "exec"

// voicePlaceholder in a command line is replaced with the requested voice.
const voicePlaceholder = "{voice}"

// Command runs an external program per request. The text is written to its
// stdin and the audio is read from its stdout.
type Command struct {
	name   string
	argv   []string
	format AudioFormat
}

// NewCommand parses a shell style command line such as
// `piper --model en.onnx --output_file /dev/stdout`.
func NewCommand(command string, format AudioFormat) (*Command, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return newCommand(commandBackend, args, format), nil
}

// Fingerprint is the command line, which carries settings such as the rate.
func (c *Command) Fingerprint() string {
	return strings.Join(c.argv, " ")
}

func newCommand(name string, argv []string, format AudioFormat) *Command {
	if format == "" {
		format = FormatWAV
	}
	return &Command{name: name, argv: argv, format: format}
}

func (c *Command) Name() string        { return c.name }
func (c *Command) Format() AudioFormat { return c.format }

func (c *Command) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	args := make([]string, 0, len(c.argv)-1)
	for _, a := range c.argv[1:] {
		args = append(args, strings.ReplaceAll(a, voicePlaceholder, req.Voice))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Stdin = strings.NewReader(req.Text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "command failed"
		}
		return nil, NewSynthesisError(c.name, "", msg, err, false)
	}
	if stdout.Len() == 0 {
		return nil, NewSynthesisError(c.name, "", "empty output", ErrEmptyAudio, true)
	}
	return stdout.Bytes(), nil
}
