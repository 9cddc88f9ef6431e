// Package artifact holds the per-chunk audio results of a synthesis run.
//
// A Store has one slot per chunk. Each slot is written exactly once, either
// Ready with an artifact on disk or Failed with the cause. Readers wait on a
// slot without ever blocking its writer.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var (
	ErrSlotResolved    = errors.New("slot already resolved")
	ErrIndexOutOfRange = errors.New("slot index out of range")
	ErrNilFailure      = errors.New("failed slot needs a cause")
	ErrArtifactEmpty   = errors.New("artifact is empty")
)

type Status int

const (
	StatusEmpty Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Artifact is an audio file produced for one chunk, or the merged output.
type Artifact struct {
	Path string
	Size int64
}

// Slot is a point in time view of one chunk's result.
type Slot struct {
	Index    int
	Status   Status
	Artifact Artifact
	Err      error
}

func (s Slot) Ready() bool  { return s.Status == StatusReady }
func (s Slot) Failed() bool { return s.Status == StatusFailed }

type slot struct {
	mu    sync.Mutex
	state Slot
	done  chan struct{}
}

// Store is the ordered slot array of one run.
type Store struct {
	slots    []*slot
	pending  atomic.Int64
	allDone  chan struct{}
	closeAll sync.Once
}

// NewStore returns a store with n empty slots. A store of zero slots is
// resolved from the start.
func NewStore(n int) *Store {
	s := &Store{
		slots:   make([]*slot, n),
		allDone: make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = &slot{state: Slot{Index: i}, done: make(chan struct{})}
	}
	s.pending.Store(int64(n))
	if n == 0 {
		close(s.allDone)
	}
	return s
}

func (s *Store) Len() int {
	return len(s.slots)
}

// MarkReady resolves slot i with an artifact.
func (s *Store) MarkReady(i int, a Artifact) error {
	return s.resolve(i, Slot{Index: i, Status: StatusReady, Artifact: a})
}

// MarkFailed resolves slot i as failed.
func (s *Store) MarkFailed(i int, cause error) error {
	if cause == nil {
		return ErrNilFailure
	}
	return s.resolve(i, Slot{Index: i, Status: StatusFailed, Err: cause})
}

func (s *Store) resolve(i int, state Slot) error {
	sl, err := s.slot(i)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	if sl.state.Status != StatusEmpty {
		sl.mu.Unlock()
		return fmt.Errorf("slot %d: %w", i, ErrSlotResolved)
	}
	sl.state = state
	close(sl.done)
	sl.mu.Unlock()

	if s.pending.Add(-1) == 0 {
		s.closeAll.Do(func() { close(s.allDone) })
	}
	return nil
}

func (s *Store) slot(i int) (*slot, error) {
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("slot %d of %d: %w", i, len(s.slots), ErrIndexOutOfRange)
	}
	return s.slots[i], nil
}

// Get returns the current state of slot i without waiting.
func (s *Store) Get(i int) (Slot, error) {
	sl, err := s.slot(i)
	if err != nil {
		return Slot{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state, nil
}

// Wait blocks until slot i is resolved or ctx is done.
func (s *Store) Wait(ctx context.Context, i int) (Slot, error) {
	sl, err := s.slot(i)
	if err != nil {
		return Slot{}, err
	}
	select {
	case <-sl.done:
	case <-ctx.Done():
		return Slot{}, ctx.Err()
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state, nil
}

// Done is closed once every slot is resolved.
func (s *Store) Done() <-chan struct{} {
	return s.allDone
}

// Resolved reports how many slots are no longer empty.
func (s *Store) Resolved() int {
	return len(s.slots) - int(s.pending.Load())
}

// Slots returns a snapshot of every slot in index order.
func (s *Store) Slots() []Slot {
	out := make([]Slot, len(s.slots))
	for i := range s.slots {
		out[i], _ = s.Get(i)
	}
	return out
}

// Ready returns the ready slots in index order.
func (s *Store) Ready() []Slot {
	var out []Slot
	for _, sl := range s.Slots() {
		if sl.Ready() {
			out = append(out, sl)
		}
	}
	return out
}

// PartPath is where the artifact for chunk index lives inside a run's work dir.
func PartPath(dir string, index int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("part_%04d%s", index, ext))
}

// Write stores audio at path and describes the result.
func Write(path string, audio []byte) (Artifact, error) {
	if len(audio) == 0 {
		return Artifact{}, fmt.Errorf("write %s: %w", path, ErrArtifactEmpty)
	}
	if err := os.WriteFile(path, audio, 0644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return Artifact{Path: path, Size: int64(len(audio))}, nil
}
