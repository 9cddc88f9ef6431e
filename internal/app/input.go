package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrNoInput = errors.New("no text given, pass it as an argument, with --file or on stdin")

// Sanitize trims the text and normalizes line endings to \n.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// readInput picks the text from file, then args, then stdin. A file of "-"
// reads stdin explicitly. Stdin is only used implicitly when it is not a
// terminal.
func readInput(file string, args []string, stdin *os.File) (string, error) {
	switch {
	case file == "-":
		return readAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return Sanitize(string(data)), nil
	case len(args) > 0:
		return Sanitize(strings.Join(args, " ")), nil
	}

	if stdin == nil {
		return "", ErrNoInput
	}
	info, err := stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", ErrNoInput
	}
	return readAll(stdin)
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return Sanitize(string(data)), nil
}
