// Package pipeline runs one long text through planning, parallel synthesis,
// optional streaming playback, merge and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"readaloud/internal/speech/artifact"
	"readaloud/internal/speech/cleanup"
	"readaloud/internal/speech/merge"
	"readaloud/internal/speech/orchestrator"
	"readaloud/internal/speech/planner"
	"readaloud/internal/speech/playback"
	"readaloud/internal/speech/stream"
	"readaloud/internal/speech/synth"
	"readaloud/internal/telemetry"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoOutput  = errors.New("an output path is required when streaming is off")
	ErrCancelled = errors.New("run cancelled")
)

type Options struct {
	Planner   planner.Options
	Synthesis orchestrator.Options

	Streaming  bool
	OutputPath string
	// Retain keeps the per-chunk files after the run.
	Retain bool
	// WorkDirParent is where run directories are created. Empty means the
	// system temp dir.
	WorkDirParent string
	// StaleAfter sweeps run directories older than this before starting.
	StaleAfter time.Duration
	// GapSilence fills failed chunks with silence in WAV output.
	GapSilence time.Duration
	// PlayAfter plays the merged file once a non-streaming run is done.
	PlayAfter bool
	// Deadline bounds the whole run. Running out behaves like cancellation.
	Deadline time.Duration
	// Platform defaults to merge.Current().
	Platform *merge.Platform
}

type Result struct {
	// FinalArtifactPath is empty for playback-only runs and failed runs.
	FinalArtifactPath string
	Outcome           orchestrator.Outcome
	Report            orchestrator.Report
	Chunks            []planner.Chunk

	MergePerformed bool
	MergeRationale string
	MergeStrategy  string

	// Gaps are the chunks missing from the output.
	Gaps              []int
	PlaybackGaps      []stream.Gap
	PlaybackSkipped   bool
	RetainedArtifacts []string
	WorkDir           string
}

type Pipeline struct {
	synth    synth.Synthesizer
	device   playback.Device
	logger   logrus.FieldLogger
	metrics  *telemetry.Metrics
	observer orchestrator.Observer
	merger   *merge.Engine
}

type Option func(*Pipeline)

// WithDevice sets the playback device. Without one, streaming runs only
// generate audio.
func WithDevice(d playback.Device) Option {
	return func(p *Pipeline) {
		p.device = d
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithObserver(o orchestrator.Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

func WithMergeEngine(e *merge.Engine) Option {
	return func(p *Pipeline) {
		p.merger = e
	}
}

func New(s synth.Synthesizer, logger logrus.FieldLogger, opts ...Option) *Pipeline {
	p := &Pipeline{synth: s, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.merger == nil {
		p.merger = merge.NewEngine(logger, p.metrics)
	}
	return p
}

// Run reads text aloud and/or renders it to opts.OutputPath. Partial chunk
// failures are reported in the Result; only a run where nothing could be
// synthesized, a failed merge or cancellation return an error. Temporary
// files are removed on every path unless opts.Retain is set or the merge
// failed.
func (p *Pipeline) Run(ctx context.Context, text string, opts Options) (Result, error) {
	var result Result
	if !opts.Streaming && opts.OutputPath == "" {
		return result, ErrNoOutput
	}
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	platform := merge.Current()
	if opts.Platform != nil {
		platform = *opts.Platform
	}

	result.Chunks = planner.Plan(text, opts.Planner)
	if len(result.Chunks) == 0 {
		p.logger.Info("Nothing to read, input is empty")
		result.MergeRationale = "empty input"
		return result, nil
	}
	p.logger.WithFields(logrus.Fields{
		"chunks":   len(result.Chunks),
		"platform": platform.Name,
	}).Info("Planned text")

	if opts.StaleAfter > 0 {
		if _, err := cleanup.SweepStale(opts.WorkDirParent, opts.StaleAfter, p.logger); err != nil {
			p.logger.WithError(err).Warn("Failed to sweep stale work dirs")
		}
	}

	workDir, err := cleanup.NewWorkDir(opts.WorkDirParent)
	if err != nil {
		return result, err
	}
	result.WorkDir = workDir

	scope := cleanup.NewScope(p.logger, opts.Retain)
	scope.Track(workDir)
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			p.logger.WithError(cerr).Warn("Cleanup incomplete")
		}
	}()

	synthOpts := opts.Synthesis
	synthOpts.WorkDir = workDir

	shortcut := opts.Streaming && platform.FirstArtifactIsOutput && opts.OutputPath != ""
	if opts.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
			return result, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if shortcut {
		synthOpts.FirstArtifactPath = opts.OutputPath
	}

	orch := orchestrator.New(p.synth, p.logger,
		orchestrator.WithMetrics(p.metrics),
		orchestrator.WithProgress(orchestrator.NewProgress(p.observer)),
	)
	exec := orch.Start(ctx, result.Chunks, synthOpts)

	if opts.Streaming {
		result.PlaybackGaps, result.PlaybackSkipped = p.playStreaming(ctx, exec.Store())
	}

	report, err := exec.Wait()
	if shortcut {
		// The output only becomes ours once chunk 0 has been written there.
		if first, gerr := exec.Store().Get(0); gerr == nil && first.Ready() {
			scope.Track(opts.OutputPath)
		}
	}
	result.Report = report
	result.Outcome = report.Outcome()
	result.Gaps = report.Failed
	if err != nil {
		return result, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return result, fmt.Errorf("%w: %w", ErrCancelled, cerr)
	}

	ready := exec.Store().Ready()
	decision := merge.Decide(merge.DecisionInput{
		Streaming:  opts.Streaming,
		OutputPath: opts.OutputPath,
		Ready:      indices(ready),
		Platform:   platform,
	})
	result.MergeRationale = decision.Reason
	p.logger.WithFields(logrus.Fields{
		"merge":  decision.Needed,
		"reason": decision.Reason,
	}).Debug("Merge decision")

	if !decision.Needed {
		if shortcut {
			result.FinalArtifactPath = opts.OutputPath
			scope.Keep(opts.OutputPath)
		}
		return result, nil
	}

	merged, err := p.merger.Merge(ctx, merge.Job{
		Slots:      exec.Store().Slots(),
		OutputPath: opts.OutputPath,
		GapSilence: opts.GapSilence,
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return result, fmt.Errorf("%w: %w", ErrCancelled, cerr)
		}
		scope.Retain()
		for _, s := range ready {
			result.RetainedArtifacts = append(result.RetainedArtifacts, s.Artifact.Path)
		}
		return result, fmt.Errorf("failed to merge %d artifacts: %w", len(ready), err)
	}

	result.MergePerformed = true
	result.MergeStrategy = merged.Strategy
	result.FinalArtifactPath = merged.Path
	scope.Keep(merged.Path)

	if opts.PlayAfter && !opts.Streaming {
		result.PlaybackSkipped = !p.playFinal(ctx, merged.Path)
	}
	return result, nil
}

func (p *Pipeline) playStreaming(ctx context.Context, store *artifact.Store) ([]stream.Gap, bool) {
	if p.device == nil {
		p.logger.Warn("No playback device, generating audio only")
		return nil, true
	}
	player := stream.NewPlayer(p.device, p.logger, stream.WithMetrics(p.metrics))
	played, err := player.Play(ctx, store)
	if err != nil {
		p.logger.WithError(err).Warn("Playback stopped")
	}
	return played.Gaps, false
}

func (p *Pipeline) playFinal(ctx context.Context, path string) bool {
	if p.device == nil {
		p.logger.Warn("No playback device, skipping playback")
		return false
	}
	if err := p.device.Play(ctx, path); err != nil {
		p.logger.WithError(err).Warn("Failed to play merged audio")
	}
	return true
}

func indices(slots []artifact.Slot) []int {
	out := make([]int, len(slots))
	for i, s := range slots {
		out[i] = s.Index
	}
	return out
}
