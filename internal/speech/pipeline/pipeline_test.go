package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"readaloud/internal/speech/merge"
	"readaloud/internal/speech/orchestrator"
	"readaloud/internal/speech/planner"
	"readaloud/internal/speech/synth"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	linux   = &merge.Platform{Name: "linux"}
	windows = &merge.Platform{Name: "windows", FirstArtifactIsOutput: true}
)

type recordingDevice struct {
	mu    sync.Mutex
	paths []string
	data  [][]byte
}

func (d *recordingDevice) Name() string { return "recorder" }

func (d *recordingDevice) Play(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
	d.data = append(d.data, data)
	return nil
}

type brokenStrategy struct{}

func (brokenStrategy) Name() string         { return "broken" }
func (brokenStrategy) Supports(string) bool { return true }
func (brokenStrategy) Merge(context.Context, []merge.Segment, string) error {
	return errors.New("disk on fire")
}

// fiveSentences plans to exactly five chunks with options.
func fiveSentences() string {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "Sentence number %d is read aloud now. ", i)
	}
	return b.String()
}

func options(t *testing.T) Options {
	return Options{
		Planner:       planner.Options{MaxChars: 45, WordsPerMinute: 160},
		Synthesis:     orchestrator.Options{Concurrency: 3, MaxRetries: 1},
		WorkDirParent: t.TempDir(),
		Platform:      linux,
	}
}

func expectedAudio(chunks []planner.Chunk, skip ...int) []byte {
	var out []byte
	for _, c := range chunks {
		skipped := false
		for _, s := range skip {
			skipped = skipped || s == c.Index
		}
		if !skipped {
			out = append(out, synth.MockAudio(synth.Request{Index: c.Index, Text: strings.TrimSpace(c.Text)})...)
		}
	}
	return out
}

func TestRunGeneratesMergedFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(mock, logger).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)

	require.Len(t, result.Chunks, 5)
	assert.Equal(t, orchestrator.OutcomeSuccess, result.Outcome)
	assert.True(t, result.MergePerformed)
	assert.Equal(t, "frame-concat", result.MergeStrategy)
	assert.Equal(t, opts.OutputPath, result.FinalArtifactPath)
	assert.Empty(t, result.Gaps)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, expectedAudio(result.Chunks), got)
	assert.NoDirExists(t, result.WorkDir)
}

func TestRunPartialFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Fail = func(req synth.Request, _ int) error {
		if req.Index == 2 {
			return synth.NewSynthesisError("mock", "rejected", "text rejected", nil, false)
		}
		return nil
	}
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(mock, logger).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.OutcomePartial, result.Outcome)
	assert.Equal(t, []int{2}, result.Gaps)
	assert.Equal(t, []int{2}, result.Report.Failed)
	assert.True(t, result.MergePerformed)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, expectedAudio(result.Chunks, 2), got)
	assert.NoDirExists(t, result.WorkDir)
}

func TestRunAllFailed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Fail = func(synth.Request, int) error {
		return synth.NewSynthesisError("mock", "auth", "bad credentials", nil, false)
	}
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(mock, logger).Run(context.Background(), fiveSentences(), opts)
	assert.ErrorIs(t, err, orchestrator.ErrAllChunksFailed)
	assert.Equal(t, orchestrator.OutcomeFailed, result.Outcome)
	assert.False(t, result.MergePerformed)
	assert.Empty(t, result.FinalArtifactPath)
	assert.NoFileExists(t, opts.OutputPath)
	assert.NoDirExists(t, result.WorkDir)
}

func TestRunCancelledAfterFirstChunk(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Delay = func(req synth.Request) time.Duration {
		if req.Index == 0 {
			return 0
		}
		return 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observer := orchestrator.ObserverFunc(func(s orchestrator.Snapshot) {
		if s.Succeeded >= 1 {
			cancel()
		}
	})
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	start := time.Now()
	result, err := New(mock, logger, WithObserver(observer)).Run(ctx, fiveSentences(), opts)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, result.MergePerformed)
	assert.NoFileExists(t, opts.OutputPath)
	assert.NoDirExists(t, result.WorkDir)
}

func TestRunDeadline(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Delay = func(synth.Request) time.Duration { return 5 * time.Second }
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")
	opts.Deadline = 30 * time.Millisecond

	result, err := New(mock, logger).Run(context.Background(), fiveSentences(), opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoDirExists(t, result.WorkDir)
}

func TestStreamingPlaysInOrderUnderReverseCompletion(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Delay = func(req synth.Request) time.Duration {
		return time.Duration(5-req.Index) * 15 * time.Millisecond
	}
	device := &recordingDevice{}
	opts := options(t)
	opts.Synthesis.Concurrency = 5
	opts.Streaming = true
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(mock, logger, WithDevice(device)).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)

	require.Len(t, device.paths, 5)
	for i, p := range device.paths {
		assert.Equal(t, fmt.Sprintf("part_%04d.mp3", i), filepath.Base(p))
	}
	assert.False(t, result.PlaybackSkipped)
	assert.True(t, result.MergePerformed)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, expectedAudio(result.Chunks), got)
}

func TestStreamingRecordsPlaybackGaps(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Fail = func(req synth.Request, _ int) error {
		if req.Index == 1 {
			return synth.NewSynthesisError("mock", "rejected", "nope", nil, false)
		}
		return nil
	}
	device := &recordingDevice{}
	opts := options(t)
	opts.Streaming = true

	result, err := New(mock, logger, WithDevice(device)).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)

	assert.Len(t, device.paths, 4)
	require.Len(t, result.PlaybackGaps, 1)
	assert.Equal(t, 1, result.PlaybackGaps[0].Index)
	assert.False(t, result.MergePerformed)
	assert.Empty(t, result.FinalArtifactPath)
	assert.Equal(t, "playback only, no output file requested", result.MergeRationale)
}

func TestStreamingWithoutDevice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opts := options(t)
	opts.Streaming = true
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(synth.NewMock(), logger).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)
	assert.True(t, result.PlaybackSkipped)
	assert.FileExists(t, opts.OutputPath)
}

func TestShortcutSingleChunkNeedsNoMerge(t *testing.T) {
	logger, _ := test.NewNullLogger()
	device := &recordingDevice{}
	opts := options(t)
	opts.Streaming = true
	opts.Platform = windows
	opts.OutputPath = filepath.Join(t.TempDir(), "story.mp3")

	result, err := New(synth.NewMock(), logger, WithDevice(device)).Run(context.Background(), "Just one short sentence.", opts)
	require.NoError(t, err)

	require.Len(t, result.Chunks, 1)
	assert.False(t, result.MergePerformed)
	assert.Equal(t, opts.OutputPath, result.FinalArtifactPath)
	assert.Equal(t, []string{opts.OutputPath}, device.paths)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, expectedAudio(result.Chunks), got)
	assert.NoDirExists(t, result.WorkDir)
}

func TestShortcutFailureKeepsExistingOutput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Fail = func(synth.Request, int) error {
		return synth.NewSynthesisError("mock", "auth", "bad credentials", nil, false)
	}
	opts := options(t)
	opts.Streaming = true
	opts.Platform = windows
	opts.OutputPath = filepath.Join(t.TempDir(), "story.mp3")
	require.NoError(t, os.WriteFile(opts.OutputPath, []byte("earlier reading"), 0644))

	result, err := New(mock, logger, WithDevice(&recordingDevice{})).Run(context.Background(), fiveSentences(), opts)
	assert.ErrorIs(t, err, orchestrator.ErrAllChunksFailed)
	assert.Empty(t, result.FinalArtifactPath)
	assert.NoDirExists(t, result.WorkDir)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "earlier reading", string(got))
}

func TestShortcutCancelledRemovesWrittenOutput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	mock.Delay = func(req synth.Request) time.Duration {
		if req.Index == 0 {
			return 0
		}
		return 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observer := orchestrator.ObserverFunc(func(s orchestrator.Snapshot) {
		if s.Succeeded >= 1 {
			cancel()
		}
	})
	opts := options(t)
	opts.Streaming = true
	opts.Platform = windows
	opts.OutputPath = filepath.Join(t.TempDir(), "story.mp3")

	_, err := New(mock, logger, WithObserver(observer)).Run(ctx, fiveSentences(), opts)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NoFileExists(t, opts.OutputPath)
}

func TestShortcutMergesBehindFirstChunk(t *testing.T) {
	logger, _ := test.NewNullLogger()
	device := &recordingDevice{}
	opts := options(t)
	opts.Streaming = true
	opts.Platform = windows
	opts.OutputPath = filepath.Join(t.TempDir(), "story.mp3")

	result, err := New(synth.NewMock(), logger, WithDevice(device)).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)

	assert.Equal(t, opts.OutputPath, device.paths[0])
	assert.True(t, bytes.Equal(device.data[0], expectedAudio(result.Chunks[:1])))
	assert.True(t, result.MergePerformed)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, expectedAudio(result.Chunks), got)
}

func TestMergeFailureRetainsArtifacts(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := merge.NewEngine(logger, nil, brokenStrategy{})
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(synth.NewMock(), logger, WithMergeEngine(engine)).Run(context.Background(), fiveSentences(), opts)

	var mergeErr *merge.MergeError
	require.ErrorAs(t, err, &mergeErr)
	require.Len(t, result.RetainedArtifacts, 5)
	for _, p := range result.RetainedArtifacts {
		assert.FileExists(t, p)
	}
	assert.Empty(t, result.FinalArtifactPath)
}

func TestRetainKeepsWorkDir(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")
	opts.Retain = true

	result, err := New(synth.NewMock(), logger).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)
	assert.DirExists(t, result.WorkDir)
	assert.FileExists(t, filepath.Join(result.WorkDir, "part_0000.mp3"))
}

func TestPlayAfter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	device := &recordingDevice{}
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")
	opts.PlayAfter = true

	result, err := New(synth.NewMock(), logger, WithDevice(device)).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{opts.OutputPath}, device.paths)
	assert.False(t, result.PlaybackSkipped)
}

func TestRunNeedsOutputWhenNotStreaming(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := New(synth.NewMock(), logger).Run(context.Background(), "Hello.", options(t))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestRunEmptyInput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mock := synth.NewMock()
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")

	result, err := New(mock, logger).Run(context.Background(), "  \n\t ", opts)
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
	assert.Empty(t, mock.Order())
	assert.NoFileExists(t, opts.OutputPath)
	assert.Empty(t, result.WorkDir)
}

func TestRunSweepsStaleWorkDirs(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opts := options(t)
	opts.OutputPath = filepath.Join(t.TempDir(), "book.mp3")
	opts.StaleAfter = time.Hour

	stale := filepath.Join(opts.WorkDirParent, ".readaloud-crashed")
	require.NoError(t, os.Mkdir(stale, 0755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err := New(synth.NewMock(), logger).Run(context.Background(), fiveSentences(), opts)
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
}
