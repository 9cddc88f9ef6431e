package app

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"readaloud/internal/config"
	"readaloud/internal/speech/orchestrator"
	"readaloud/internal/speech/pipeline"
	"readaloud/internal/speech/planner"
	"readaloud/internal/speech/stream"
	"readaloud/internal/speech/synth"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func newApp(t *testing.T, settings map[string]any) (*ReadAloud, *bytes.Buffer) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("engine.type", "mock")
	v.Set("playback.player", "none")
	v.Set("output.work_dir", t.TempDir())
	v.Set("cache.dir", t.TempDir())
	for k, val := range settings {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	ra := New(cfg, logger)
	t.Cleanup(ra.Cancel)

	var out bytes.Buffer
	ra.out = &out
	ra.errOut = &bytes.Buffer{}
	ra.stdin = nil
	return ra, &out
}

func speakCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "speak"}
	cmd.Flags().String("file", "", "")
	return cmd
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello  ", "hello"},
		{"one\r\ntwo\r\n", "one\ntwo"},
		{"old\rmac", "old\nmac"},
		{" \n\t ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in))
	}
}

func TestReadInput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "text.txt")
	require.NoError(t, os.WriteFile(file, []byte("From a file.\r\n"), 0644))

	piped := filepath.Join(dir, "stdin.txt")
	require.NoError(t, os.WriteFile(piped, []byte("  From stdin.  "), 0644))
	stdin, err := os.Open(piped)
	require.NoError(t, err)
	defer stdin.Close()

	text, err := readInput(file, []string{"ignored"}, stdin)
	require.NoError(t, err)
	assert.Equal(t, "From a file.", text)

	text, err = readInput("", []string{"From", "args."}, stdin)
	require.NoError(t, err)
	assert.Equal(t, "From args.", text)

	text, err = readInput("", nil, stdin)
	require.NoError(t, err)
	assert.Equal(t, "From stdin.", text)
}

func TestReadInputErrors(t *testing.T) {
	_, err := readInput("", nil, nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = readInput(filepath.Join(t.TempDir(), "missing.txt"), nil, nil)
	assert.ErrorContains(t, err, "failed to read input file")
}

func TestOutputPath(t *testing.T) {
	path, err := outputPath("", synth.FormatMP3)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = outputPath("book", synth.FormatMP3)
	require.NoError(t, err)
	assert.Equal(t, "book.mp3", path)

	path, err = outputPath("book.WAV", synth.FormatWAV)
	require.NoError(t, err)
	assert.Equal(t, "book.WAV", path)

	_, err = outputPath("book.wav", synth.FormatMP3)
	assert.ErrorContains(t, err, "does not match")
}

func TestTuningFallsBackToRecommendation(t *testing.T) {
	ra, _ := newApp(t, nil)

	opts, concurrency := ra.tuning("a few words", 0)
	assert.Equal(t, planner.Recommend("a few words").TargetSeconds, opts.TargetSeconds)
	assert.Equal(t, 1, concurrency)
	assert.Equal(t, 4800, opts.MaxChars)

	ra, _ = newApp(t, map[string]any{
		"chunking.target_seconds": 12,
		"synthesis.concurrency":   3,
	})
	opts, concurrency = ra.tuning("a few words", 0)
	assert.Equal(t, 12.0, opts.TargetSeconds)
	assert.Equal(t, 3, concurrency)
}

func TestTuningFitsByteLimit(t *testing.T) {
	ra, _ := newApp(t, nil)

	opts, _ := ra.tuning("plain ascii text", 5000)
	assert.Equal(t, 4800, opts.MaxChars)

	// Georgian letters take three bytes each.
	opts, _ = ra.tuning("გამარჯობა მსოფლიო", 5000)
	assert.Equal(t, 1666, opts.MaxChars)

	chunks := planner.Plan(strings.Repeat("გამარჯობა მსოფლიო. ", 600), opts)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(strings.TrimSpace(c.Text)), 5000)
	}
}

func TestFitBytes(t *testing.T) {
	assert.Equal(t, 4800, fitBytes(4800, 0, "ქ"))
	assert.Equal(t, 100, fitBytes(100, 5000, "ქ"))
	assert.Equal(t, 1250, fitBytes(4800, 5000, "emoji 🔊"))
}

func TestSpeakWritesOutput(t *testing.T) {
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "readaloud.prom")
	ra, out := newApp(t, map[string]any{
		"playback.streaming": false,
		"output.path":        filepath.Join(dir, "book"),
		"metrics_file":       metricsFile,
	})

	err := ra.Speak(speakCommand(), []string{"Hello there.", "This is read aloud."})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "book.mp3"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Contains(t, out.String(), "Done: 1/1 chunks")
	assert.Contains(t, out.String(), "Saved to "+filepath.Join(dir, "book.mp3"))

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "readaloud_chunks_total")
}

func TestSpeakWithCache(t *testing.T) {
	dir := t.TempDir()
	ra, _ := newApp(t, map[string]any{
		"playback.streaming": false,
		"output.path":        filepath.Join(dir, "out.mp3"),
		"cache.enabled":      true,
	})

	require.NoError(t, ra.Speak(speakCommand(), []string{"Cached words."}))

	var status bytes.Buffer
	ra.out = &status
	require.NoError(t, ra.CacheStatus(nil, nil))
	assert.Contains(t, status.String(), "Files: 1")
	assert.Contains(t, status.String(), "mock: 1")

	status.Reset()
	require.NoError(t, ra.CacheClear(nil, nil))
	require.NoError(t, ra.CacheStatus(nil, nil))
	assert.Contains(t, status.String(), "Files: 0")
}

func TestSpeakWithoutDeviceStillRuns(t *testing.T) {
	ra, out := newApp(t, nil)

	require.NoError(t, ra.Speak(speakCommand(), []string{"Only streaming, no speaker."}))
	assert.Contains(t, out.String(), "generating audio only")
	assert.Contains(t, out.String(), "No audio device")
}

func TestSpeakEmptyInput(t *testing.T) {
	ra, out := newApp(t, nil)

	require.NoError(t, ra.Speak(speakCommand(), []string{"   "}))
	assert.Contains(t, out.String(), "Nothing to read")
}

func TestSpeakCancelled(t *testing.T) {
	ra, out := newApp(t, map[string]any{
		"playback.streaming": false,
		"output.path":        filepath.Join(t.TempDir(), "out.mp3"),
	})
	ra.Cancel()

	require.NoError(t, ra.Speak(speakCommand(), []string{"Never read."}))
	assert.Contains(t, out.String(), "Stopped")
}

func TestPlanPrintsChunks(t *testing.T) {
	ra, out := newApp(t, map[string]any{
		"chunking.max_chars": 45,
		"chunking.min_chars": 5,
	})

	text := "Sentence number one is read aloud now. Sentence number two is read aloud now."
	require.NoError(t, ra.Plan(speakCommand(), []string{text}))
	assert.Contains(t, out.String(), "1. ")
	assert.Contains(t, out.String(), "2. ")
	assert.Contains(t, out.String(), "✨ 2 chunks")
}

func TestVoicesWithoutLister(t *testing.T) {
	ra, out := newApp(t, nil)

	require.NoError(t, ra.Voices(nil, nil))
	assert.Contains(t, out.String(), "en-GB-SoniaNeural")
}

func TestPrintResult(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, pipeline.Result{
		Chunks:  make([]planner.Chunk, 3),
		Outcome: orchestrator.OutcomePartial,
		Report: orchestrator.Report{
			Total:     3,
			Succeeded: 2,
			Failed:    []int{1},
			Chunks: []orchestrator.ChunkReport{
				{Index: 1, Attempts: 3, Err: errors.New("backend down")},
			},
		},
		Gaps:              []int{1},
		PlaybackGaps:      []stream.Gap{{Index: 1}},
		MergeRationale:    "2 parts to concatenate",
		MergeStrategy:     "frame-concat",
		FinalArtifactPath: "out.mp3",
	})

	s := out.String()
	assert.Contains(t, s, "Partial: 2/3 chunks synthesized, missing chunks [1]")
	assert.Contains(t, s, "chunk 1 after 3 attempts: backend down")
	assert.Contains(t, s, "Skipped during playback: [1]")
	assert.Contains(t, s, "2 parts to concatenate (frame-concat)")
	assert.Contains(t, s, "Saved to out.mp3")
}

func TestPrintResultRetained(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, pipeline.Result{
		Chunks:            make([]planner.Chunk, 2),
		Outcome:           orchestrator.OutcomeSuccess,
		Report:            orchestrator.Report{Total: 2, Succeeded: 2},
		RetainedArtifacts: []string{"/tmp/a.mp3", "/tmp/b.mp3"},
	})

	assert.Contains(t, out.String(), "Kept 2 chunk files for recovery")
	assert.Contains(t, out.String(), "/tmp/b.mp3")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2*1024*1024))
}
