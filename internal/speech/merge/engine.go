// Package merge concatenates the per-chunk artifacts of a run into the final
// audio file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"readaloud/internal/speech/artifact"
	"readaloud/internal/telemetry"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNothingToMerge = errors.New("no ready artifacts to merge")
	ErrFormatMismatch = errors.New("artifacts do not share one audio format")
)

// MergeError is returned when every strategy failed. The per-chunk artifacts
// are left in place.
type MergeError struct {
	Errs []error
}

func (e *MergeError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "merge failed: " + strings.Join(msgs, "; ")
}

func (e *MergeError) Unwrap() []error {
	return e.Errs
}

// Segment is one piece of the output: an artifact on disk, or a stretch of
// silence when Path is empty.
type Segment struct {
	Index   int
	Path    string
	Silence time.Duration
}

// Strategy writes segments, in order, to out.
type Strategy interface {
	Name() string
	Supports(ext string) bool
	Merge(ctx context.Context, segments []Segment, out string) error
}

type Job struct {
	Slots      []artifact.Slot
	OutputPath string
	// GapSilence is inserted where a failed chunk would have been, by the
	// strategies that can synthesize silence.
	GapSilence time.Duration
}

type Result struct {
	Path     string
	Strategy string
	Parts    []int
	Gaps     []int
	Size     int64
}

type Engine struct {
	strategies []Strategy
	logger     logrus.FieldLogger
	metrics    *telemetry.Metrics
}

// DefaultStrategies is the chain used when NewEngine gets none.
func DefaultStrategies() []Strategy {
	return []Strategy{FrameConcat{}, PCMConcat{}, &FFmpeg{}}
}

func NewEngine(logger logrus.FieldLogger, metrics *telemetry.Metrics, strategies ...Strategy) *Engine {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Engine{strategies: strategies, logger: logger, metrics: metrics}
}

// Merge writes the ready slots of job, in index order, to job.OutputPath.
// The output is written to a temporary file next to it and renamed into
// place, so a part that already lives at the output path can be merged over.
func (e *Engine) Merge(ctx context.Context, job Job) (Result, error) {
	slots := slices.Clone(job.Slots)
	slices.SortFunc(slots, func(a, b artifact.Slot) int { return a.Index - b.Index })

	result := Result{Path: job.OutputPath}
	var (
		segments  []Segment
		firstPart string
	)
	for _, s := range slots {
		if s.Ready() {
			if firstPart == "" {
				firstPart = s.Artifact.Path
			}
			result.Parts = append(result.Parts, s.Index)
			segments = append(segments, Segment{Index: s.Index, Path: s.Artifact.Path})
			continue
		}
		result.Gaps = append(result.Gaps, s.Index)
		if job.GapSilence > 0 {
			segments = append(segments, Segment{Index: s.Index, Silence: job.GapSilence})
		}
	}
	if len(result.Parts) == 0 {
		return result, ErrNothingToMerge
	}

	ext := strings.ToLower(filepath.Ext(job.OutputPath))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(firstPart))
	}

	log := e.logger.WithFields(logrus.Fields{
		"output": job.OutputPath,
		"parts":  len(result.Parts),
		"gaps":   len(result.Gaps),
	})

	strategies := e.strategies
	if len(result.Parts) == 1 && len(segments) == 1 {
		strategies = []Strategy{byteCopy{}}
	}

	var errs []error
	for _, s := range strategies {
		if !s.Supports(ext) {
			continue
		}
		err := e.try(ctx, s, segments, job.OutputPath, ext)
		e.metrics.ObserveMerge(s.Name(), err)
		if err == nil {
			result.Strategy = s.Name()
			if info, statErr := os.Stat(job.OutputPath); statErr == nil {
				result.Size = info.Size()
			}
			log.WithField("strategy", s.Name()).Info("Merged artifacts")
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		log.WithError(err).WithField("strategy", s.Name()).Warn("Merge strategy failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}

	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no merge strategy handles %q output", ext))
	}
	return result, &MergeError{Errs: errs}
}

func (e *Engine) try(ctx context.Context, s Strategy, segments []Segment, out, ext string) error {
	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".merge-*"+ext)
	if err != nil {
		return fmt.Errorf("failed to create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := s.Merge(ctx, segments, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, out); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move merged output into place: %w", err)
	}
	return nil
}

// byteCopy handles the single part case.
type byteCopy struct{}

func (byteCopy) Name() string         { return "copy" }
func (byteCopy) Supports(string) bool { return true }

func (byteCopy) Merge(ctx context.Context, segments []Segment, out string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(segments[0].Path, out)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
