package orchestrator

import (
	"errors"
	"fmt"
	"readaloud/internal/speech/artifact"
	"time"
)

var ErrAllChunksFailed = errors.New("all chunks failed")

// ChunkError is the permanent failure of one chunk. The chunk is left out of
// the output.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// TaskState is the lifecycle of one chunk's synthesis.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSucceeded
	TaskFailedTransient
	TaskFailedPermanent
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailedTransient:
		return "failed-transient"
	case TaskFailedPermanent:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome summarises a run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type ChunkReport struct {
	Index    int
	Status   TaskState
	Attempts int
	Err      error
	Artifact artifact.Artifact
}

// Report is the per-chunk result of a run.
type Report struct {
	Total     int
	Succeeded int
	Failed    []int
	Chunks    []ChunkReport
	Elapsed   time.Duration
}

func (r Report) Outcome() Outcome {
	switch {
	case r.Succeeded == r.Total:
		return OutcomeSuccess
	case r.Succeeded == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

func newReport(tasks []*task, elapsed time.Duration) Report {
	r := Report{
		Total:   len(tasks),
		Chunks:  make([]ChunkReport, len(tasks)),
		Elapsed: elapsed,
	}
	for i, t := range tasks {
		r.Chunks[i] = ChunkReport{
			Index:    t.chunk.Index,
			Status:   t.state,
			Attempts: t.attempt,
			Err:      t.err,
			Artifact: t.artifact,
		}
		if t.state == TaskSucceeded {
			r.Succeeded++
		} else {
			r.Failed = append(r.Failed, t.chunk.Index)
		}
	}
	return r
}
