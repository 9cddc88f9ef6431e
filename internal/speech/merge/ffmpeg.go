package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var lookPath = exec.LookPath

// FFmpeg re-encodes the parts through ffmpeg's concat demuxer. It copes with
// parts whose formats differ, at the cost of a lossy pass for MP3.
type FFmpeg struct {
	// Path overrides the ffmpeg binary looked up in PATH.
	Path string
}

func (*FFmpeg) Name() string { return "ffmpeg" }

func (*FFmpeg) Supports(ext string) bool { return ext == ".mp3" || ext == ".wav" }

func (m *FFmpeg) Merge(ctx context.Context, segments []Segment, out string) error {
	bin := m.Path
	if bin == "" {
		found, err := lookPath("ffmpeg")
		if err != nil {
			return fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
		bin = found
	}

	list, err := os.CreateTemp(filepath.Dir(out), ".concat-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(list.Name())

	if _, err := list.WriteString(concatList(segments)); err != nil {
		list.Close()
		return err
	}
	if err := list.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, ffmpegArgs(list.Name(), out)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// concatList renders the concat demuxer script. Silence segments are not
// representable and are left out.
func concatList(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Path == "" {
			continue
		}
		path, err := filepath.Abs(seg.Path)
		if err != nil {
			path = seg.Path
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(path, "'", `'\''`))
	}
	return b.String()
}

func ffmpegArgs(list, out string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-f", "concat", "-safe", "0", "-i", list}
	if strings.EqualFold(filepath.Ext(out), ".wav") {
		args = append(args, "-c:a", "pcm_s16le")
	} else {
		args = append(args, "-c:a", "libmp3lame", "-q:a", "2")
	}
	return append(args, out)
}
