// Package orchestrator synthesizes planned chunks concurrently and collects
// the results into an artifact store.
//
// Chunks are admitted in index order into a pool of bounded size and complete
// in any order. Transient backend failures are retried with exponential
// backoff; a chunk that still fails is recorded and never stops its siblings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"readaloud/internal/speech/artifact"
	"readaloud/internal/speech/planner"
	"readaloud/internal/speech/synth"
	"readaloud/internal/telemetry"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries     = 2
	DefaultPerTaskTimeout = 60 * time.Second
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Options configures one run.
type Options struct {
	Voice       string
	Concurrency int
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries     int
	PerTaskTimeout time.Duration
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSecond paces backend calls across all workers. Zero means
	// unlimited.
	RequestsPerSecond float64
	// WorkDir receives one file per chunk.
	WorkDir string
	// FirstArtifactPath, when set, is where chunk 0 is written instead of
	// WorkDir.
	FirstArtifactPath string
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	return o
}

type task struct {
	chunk    planner.Chunk
	attempt  int
	state    TaskState
	artifact artifact.Artifact
	err      error
}

type Orchestrator struct {
	synth    synth.Synthesizer
	logger   logrus.FieldLogger
	metrics  *telemetry.Metrics
	progress *Progress
}

type Option func(*Orchestrator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithProgress(p *Progress) Option {
	return func(o *Orchestrator) {
		o.progress = p
	}
}

func New(s synth.Synthesizer, logger logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{synth: s, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execution is a run in progress. Its store fills up while the run goes on.
type Execution struct {
	store  *artifact.Store
	done   chan struct{}
	report Report
	err    error
}

func (e *Execution) Store() *artifact.Store {
	return e.store
}

func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until every chunk is resolved. The error is ErrAllChunksFailed
// when no chunk succeeded; partial failures only show in the report.
func (e *Execution) Wait() (Report, error) {
	<-e.done
	return e.report, e.err
}

// Start launches synthesis of chunks and returns immediately.
func (o *Orchestrator) Start(ctx context.Context, chunks []planner.Chunk, opts Options) *Execution {
	opts = opts.withDefaults()
	exec := &Execution{
		store: artifact.NewStore(len(chunks)),
		done:  make(chan struct{}),
	}
	o.progress.begin(chunks)
	go o.run(ctx, chunks, opts, exec)
	return exec
}

// Run synthesizes chunks and waits for the result.
func (o *Orchestrator) Run(ctx context.Context, chunks []planner.Chunk, opts Options) (*artifact.Store, Report, error) {
	exec := o.Start(ctx, chunks, opts)
	report, err := exec.Wait()
	return exec.store, report, err
}

func (o *Orchestrator) run(ctx context.Context, chunks []planner.Chunk, opts Options, exec *Execution) {
	defer close(exec.done)
	started := time.Now()

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	tasks := make([]*task, len(chunks))
	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)

	// Go blocks while the pool is full, so admission follows index order.
	for i, c := range chunks {
		t := &task{chunk: c}
		tasks[i] = t
		if err := ctx.Err(); err != nil {
			o.resolve(exec.store, t, err)
			continue
		}
		g.Go(func() error {
			o.runTask(ctx, exec.store, t, opts, limiter)
			return nil
		})
	}
	_ = g.Wait()

	exec.report = newReport(tasks, time.Since(started))
	if exec.report.Total > 0 && exec.report.Succeeded == 0 {
		exec.err = ErrAllChunksFailed
		if cerr := ctx.Err(); cerr != nil {
			exec.err = fmt.Errorf("%w: %w", ErrAllChunksFailed, cerr)
		}
	}

	o.logger.WithFields(logrus.Fields{
		"total":     exec.report.Total,
		"succeeded": exec.report.Succeeded,
		"failed":    len(exec.report.Failed),
		"elapsed":   exec.report.Elapsed.Round(time.Millisecond),
	}).Info("Synthesis finished")
}

func (o *Orchestrator) runTask(ctx context.Context, store *artifact.Store, t *task, opts Options, limiter *rate.Limiter) {
	if err := ctx.Err(); err != nil {
		o.resolve(store, t, err)
		return
	}
	t.state = TaskRunning

	logger := o.logger.WithField("chunk", t.chunk.Index)
	path := artifactPath(t.chunk.Index, opts, o.synth.Format())
	req := synth.Request{
		Index: t.chunk.Index,
		Text:  strings.TrimSpace(t.chunk.Text),
		Voice: opts.Voice,
	}

	operation := func() (artifact.Artifact, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return artifact.Artifact{}, backoff.Permanent(err)
			}
		}
		t.attempt++
		audio, err := o.attempt(ctx, req, opts.PerTaskTimeout)
		if err != nil {
			t.err = err
			if ctx.Err() != nil || !synth.IsRetryable(err) {
				return artifact.Artifact{}, backoff.Permanent(err)
			}
			t.state = TaskFailedTransient
			return artifact.Artifact{}, err
		}
		a, err := artifact.Write(path, audio)
		if err != nil {
			t.err = err
			return artifact.Artifact{}, backoff.Permanent(err)
		}
		return a, nil
	}

	a, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(opts)),
		backoff.WithMaxTries(uint(opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.progress.retry()
			logger.WithError(err).WithFields(logrus.Fields{
				"attempt":  t.attempt,
				"retry_in": next.Round(time.Millisecond),
			}).Warn("Chunk synthesis failed, retrying")
		}),
	)
	if err != nil {
		// Cancellation while waiting to retry replaces the last backend error.
		if t.err == nil || (ctx.Err() != nil && !errors.Is(t.err, ctx.Err())) {
			t.err = err
		}
		o.resolve(store, t, t.err)
		return
	}

	t.artifact = a
	o.resolve(store, t, nil)
}

func (o *Orchestrator) attempt(ctx context.Context, req synth.Request, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	audio, err := o.synth.Synthesize(ctx, req)
	if err == nil && len(audio) == 0 {
		err = synth.NewSynthesisError(o.synth.Name(), "", "empty response", synth.ErrEmptyAudio, true)
	}

	result := "success"
	switch {
	case err == nil:
	case synth.IsRetryable(err):
		result = "transient"
	default:
		result = "permanent"
	}
	o.metrics.ObserveAttempt(o.synth.Name(), result, time.Since(start))

	return audio, err
}

// resolve writes the task's final state into its slot. A nil err means
// success.
func (o *Orchestrator) resolve(store *artifact.Store, t *task, err error) {
	logger := o.logger.WithField("chunk", t.chunk.Index)

	if err != nil {
		t.state = TaskFailedPermanent
		t.err = &ChunkError{Index: t.chunk.Index, Attempts: t.attempt, Err: err}
		if serr := store.MarkFailed(t.chunk.Index, t.err); serr != nil {
			logger.WithError(serr).Error("Failed to record chunk failure")
		}
		o.metrics.ObserveChunk(false)
		o.progress.resolve(0, false)
		logger.WithError(err).WithField("attempts", t.attempt).Warn("Chunk failed permanently")
		return
	}

	t.state = TaskSucceeded
	if serr := store.MarkReady(t.chunk.Index, t.artifact); serr != nil {
		logger.WithError(serr).Error("Failed to record chunk artifact")
	}
	o.metrics.ObserveChunk(true)
	o.progress.resolve(t.chunk.Words(), true)
	logger.WithFields(logrus.Fields{
		"attempts": t.attempt,
		"bytes":    t.artifact.Size,
	}).Debug("Chunk ready")
}

func artifactPath(index int, opts Options, format synth.AudioFormat) string {
	if index == 0 && opts.FirstArtifactPath != "" {
		return opts.FirstArtifactPath
	}
	return artifact.PartPath(opts.WorkDir, index, format.Ext())
}

func newBackOff(opts Options) backoff.BackOff {
	if opts.RetryBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryBackoff
	b.MaxInterval = opts.MaxBackoff
	return b
}
