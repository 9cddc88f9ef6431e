package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"readaloud/internal/speech/artifact"
	"readaloud/internal/speech/synth"
	"readaloud/internal/telemetry"
	"strings"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id3v2Tag() []byte {
	tag := []byte{'I', 'D', '3', 3, 0, 0, 0, 0, 0, 20}
	return append(tag, make([]byte, 20)...)
}

func id3v1Tag() []byte {
	tag := []byte("TAG")
	return append(tag, make([]byte, 125)...)
}

func writePart(t *testing.T, dir string, index int, data []byte) artifact.Slot {
	t.Helper()
	path := artifact.PartPath(dir, index, ".mp3")
	a, err := artifact.Write(path, data)
	require.NoError(t, err)
	return artifact.Slot{Index: index, Status: artifact.StatusReady, Artifact: a}
}

func failed(index int) artifact.Slot {
	return artifact.Slot{Index: index, Status: artifact.StatusFailed, Err: errors.New("synthesis failed")}
}

func newEngine(t *testing.T, strategies ...Strategy) *Engine {
	logger, _ := test.NewNullLogger()
	return NewEngine(logger, nil, strategies...)
}

func noFFmpeg(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(string) (string, error) { return "", errors.New("not found") }
}

func TestFrameConcatStripsTagsAndKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	tagged := func(b []byte) []byte {
		return append(append(id3v2Tag(), b...), id3v1Tag()...)
	}
	slots := []artifact.Slot{
		writePart(t, dir, 0, tagged(synth.MP3Frames(2, 1))),
		writePart(t, dir, 1, tagged(synth.MP3Frames(1, 2))),
		writePart(t, dir, 2, synth.MP3Frames(3, 3)),
	}
	out := filepath.Join(dir, "out.mp3")

	result, err := newEngine(t).Merge(context.Background(), Job{Slots: slots, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, "frame-concat", result.Strategy)
	assert.Equal(t, []int{0, 1, 2}, result.Parts)
	assert.Empty(t, result.Gaps)

	want := bytes.Join([][]byte{synth.MP3Frames(2, 1), synth.MP3Frames(1, 2), synth.MP3Frames(3, 3)}, nil)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(len(want)), result.Size)
}

func TestMergeIsOrderIndependentAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	slots := []artifact.Slot{
		writePart(t, dir, 0, synth.MP3Frames(1, 1)),
		writePart(t, dir, 1, synth.MP3Frames(2, 2)),
		writePart(t, dir, 2, synth.MP3Frames(1, 3)),
	}
	engine := newEngine(t)

	first := filepath.Join(dir, "a.mp3")
	_, err := engine.Merge(context.Background(), Job{Slots: slots, OutputPath: first})
	require.NoError(t, err)

	shuffled := []artifact.Slot{slots[2], slots[0], slots[1]}
	second := filepath.Join(dir, "b.mp3")
	_, err = engine.Merge(context.Background(), Job{Slots: shuffled, OutputPath: second})
	require.NoError(t, err)

	_, err = engine.Merge(context.Background(), Job{Slots: slots, OutputPath: first})
	require.NoError(t, err)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMergeSkipsFailedSlots(t *testing.T) {
	dir := t.TempDir()
	slots := []artifact.Slot{
		writePart(t, dir, 0, synth.MP3Frames(1, 1)),
		writePart(t, dir, 1, synth.MP3Frames(1, 2)),
		failed(2),
		writePart(t, dir, 3, synth.MP3Frames(1, 4)),
		writePart(t, dir, 4, synth.MP3Frames(1, 5)),
	}
	out := filepath.Join(dir, "out.mp3")

	result, err := newEngine(t).Merge(context.Background(), Job{Slots: slots, OutputPath: out, GapSilence: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 4}, result.Parts)
	assert.Equal(t, []int{2}, result.Gaps)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, got, 4*synth.MP3FrameSize)
	assert.False(t, bytes.Contains(got, bytes.Repeat([]byte{3}, 16)))
}

func TestMergeOverPartAtOutputPath(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp3")
	require.NoError(t, os.WriteFile(out, synth.MP3Frames(1, 1), 0644))

	slots := []artifact.Slot{
		{Index: 0, Status: artifact.StatusReady, Artifact: artifact.Artifact{Path: out}},
		writePart(t, dir, 1, synth.MP3Frames(1, 2)),
	}

	_, err := newEngine(t).Merge(context.Background(), Job{Slots: slots, OutputPath: out})
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, append(synth.MP3Frames(1, 1), synth.MP3Frames(1, 2)...), got)
}

func TestSinglePartIsCopied(t *testing.T) {
	dir := t.TempDir()
	data := append(id3v2Tag(), synth.MP3Frames(2, 7)...)
	slots := []artifact.Slot{failed(0), writePart(t, dir, 1, data)}
	out := filepath.Join(dir, "nested", "out.mp3")

	result, err := newEngine(t).Merge(context.Background(), Job{Slots: slots, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, "copy", result.Strategy)
	assert.Equal(t, []int{0}, result.Gaps)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNothingToMerge(t *testing.T) {
	_, err := newEngine(t).Merge(context.Background(), Job{
		Slots:      []artifact.Slot{failed(0), failed(1)},
		OutputPath: filepath.Join(t.TempDir(), "out.mp3"),
	})
	assert.ErrorIs(t, err, ErrNothingToMerge)
}

func TestFrameConcatFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	mono := bytes.Repeat(append([]byte{0xFF, 0xFB, 0x90, 0xC4}, make([]byte, synth.MP3FrameSize-4)...), 2)
	a := writePart(t, dir, 0, synth.MP3Frames(1, 1))
	b := writePart(t, dir, 1, mono)

	err := FrameConcat{}.Merge(context.Background(), []Segment{
		{Index: 0, Path: a.Artifact.Path},
		{Index: 1, Path: b.Artifact.Path},
	}, filepath.Join(dir, "out.mp3"))
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestFrameConcatDropsXingFrame(t *testing.T) {
	dir := t.TempDir()
	xing := synth.MP3Frames(1, 0)
	copy(xing[36:], "Xing")
	part := writePart(t, dir, 0, append(xing, synth.MP3Frames(2, 9)...))
	out := filepath.Join(dir, "out.mp3")

	require.NoError(t, FrameConcat{}.Merge(context.Background(), []Segment{{Path: part.Artifact.Path}}, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, synth.MP3Frames(2, 9), got)
}

func TestFrameConcatRejectsNonAudio(t *testing.T) {
	dir := t.TempDir()
	part := writePart(t, dir, 0, []byte("definitely not audio"))

	err := FrameConcat{}.Merge(context.Background(), []Segment{{Path: part.Artifact.Path}}, filepath.Join(dir, "out.mp3"))
	assert.ErrorIs(t, err, errNoFrame)
}

func TestFrameConcatHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	part := writePart(t, dir, 0, synth.MP3Frames(1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FrameConcat{}.Merge(ctx, []Segment{{Path: part.Artifact.Path}}, filepath.Join(dir, "out.mp3"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMismatchFallsThroughToMergeError(t *testing.T) {
	noFFmpeg(t)
	dir := t.TempDir()
	mono := append([]byte{0xFF, 0xFB, 0x90, 0xC4}, make([]byte, synth.MP3FrameSize-4)...)
	slots := []artifact.Slot{
		writePart(t, dir, 0, synth.MP3Frames(1, 1)),
		writePart(t, dir, 1, mono),
	}
	metrics := telemetry.NewMetrics()
	logger, _ := test.NewNullLogger()
	out := filepath.Join(dir, "out.mp3")

	_, err := NewEngine(logger, metrics).Merge(context.Background(), Job{Slots: slots, OutputPath: out})

	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Len(t, mergeErr.Errs, 2)
	assert.ErrorIs(t, err, ErrFormatMismatch)
	assert.Contains(t, err.Error(), "ffmpeg not found")
	assert.NoFileExists(t, out)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MergeTotal.WithLabelValues("frame-concat", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MergeTotal.WithLabelValues("ffmpeg", "error")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".merge-"), "temp output %s left behind", e.Name())
	}
}

type failingStrategy string

func (s failingStrategy) Name() string         { return string(s) }
func (s failingStrategy) Supports(string) bool { return true }
func (s failingStrategy) Merge(context.Context, []Segment, string) error {
	return errors.New(string(s) + " broke")
}

func TestEveryStrategyFailing(t *testing.T) {
	dir := t.TempDir()
	slots := []artifact.Slot{
		writePart(t, dir, 0, synth.MP3Frames(1, 1)),
		writePart(t, dir, 1, synth.MP3Frames(1, 2)),
	}

	_, err := newEngine(t, failingStrategy("first"), failingStrategy("second")).
		Merge(context.Background(), Job{Slots: slots, OutputPath: filepath.Join(dir, "out.mp3")})

	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.EqualError(t, err, "merge failed: first: first broke; second: second broke")
	assert.FileExists(t, slots[0].Artifact.Path)
	assert.FileExists(t, slots[1].Artifact.Path)
}

func TestNoStrategyForExtension(t *testing.T) {
	dir := t.TempDir()
	slots := []artifact.Slot{
		writePart(t, dir, 0, synth.MP3Frames(1, 1)),
		writePart(t, dir, 1, synth.MP3Frames(1, 2)),
	}

	_, err := newEngine(t).Merge(context.Background(), Job{Slots: slots, OutputPath: filepath.Join(dir, "out.flac")})
	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Contains(t, err.Error(), `".flac"`)
}

func writeWAV(t *testing.T, path string, samples int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	require.NoError(t, wav.Encode(f, beep.Silence(samples), format))
}

func TestPCMConcatFillsGapsWithSilence(t *testing.T) {
	dir := t.TempDir()
	p0 := artifact.PartPath(dir, 0, ".wav")
	p2 := artifact.PartPath(dir, 2, ".wav")
	writeWAV(t, p0, 1000)
	writeWAV(t, p2, 500)

	slots := []artifact.Slot{
		{Index: 0, Status: artifact.StatusReady, Artifact: artifact.Artifact{Path: p0}},
		failed(1),
		{Index: 2, Status: artifact.StatusReady, Artifact: artifact.Artifact{Path: p2}},
	}
	out := filepath.Join(dir, "out.wav")

	result, err := newEngine(t).Merge(context.Background(), Job{
		Slots:      slots,
		OutputPath: out,
		GapSilence: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "pcm-concat", result.Strategy)
	assert.Equal(t, []int{1}, result.Gaps)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	s, format, err := wav.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, beep.SampleRate(8000), format.SampleRate)
	assert.Equal(t, 2300, s.Len())
}

func TestDecide(t *testing.T) {
	windows := Platform{Name: "windows", FirstArtifactIsOutput: true}
	linux := Platform{Name: "linux"}

	tests := []struct {
		name   string
		in     DecisionInput
		needed bool
	}{
		{"nothing ready", DecisionInput{OutputPath: "out.mp3", Platform: linux}, false},
		{"playback only", DecisionInput{Streaming: true, Ready: []int{0, 1}, Platform: linux}, false},
		{"shortcut with only chunk 0", DecisionInput{Streaming: true, OutputPath: "out.mp3", Ready: []int{0}, Platform: windows}, false},
		{"shortcut with more chunks", DecisionInput{Streaming: true, OutputPath: "out.mp3", Ready: []int{0, 1}, Platform: windows}, true},
		{"shortcut but chunk 0 failed", DecisionInput{Streaming: true, OutputPath: "out.mp3", Ready: []int{1}, Platform: windows}, true},
		{"streaming with output", DecisionInput{Streaming: true, OutputPath: "out.mp3", Ready: []int{0, 1}, Platform: linux}, true},
		{"single chunk without shortcut", DecisionInput{Streaming: true, OutputPath: "out.mp3", Ready: []int{0}, Platform: linux}, true},
		{"generate only", DecisionInput{OutputPath: "out.mp3", Ready: []int{0, 1, 2}, Platform: windows}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in)
			assert.Equal(t, tt.needed, d.Needed)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestConcatListEscapesQuotes(t *testing.T) {
	list := concatList([]Segment{
		{Path: "/tmp/it's/part_0000.mp3"},
		{Silence: time.Second},
		{Path: "/tmp/part_0001.mp3"},
	})
	assert.Equal(t, "file '/tmp/it'\\''s/part_0000.mp3'\nfile '/tmp/part_0001.mp3'\n", list)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("list.txt", "out.wav")
	assert.Equal(t, []string{"-c:a", "pcm_s16le", "out.wav"}, args[len(args)-3:])

	args = ffmpegArgs("list.txt", "out.mp3")
	assert.Equal(t, []string{"-c:a", "libmp3lame", "-q:a", "2", "out.mp3"}, args[len(args)-5:])
	assert.Contains(t, args, "concat")
}
