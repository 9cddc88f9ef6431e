package orchestrator

import (
	"readaloud/internal/speech/planner"
	"sync/atomic"
	"time"
)

// Snapshot is a consistent enough view of a run's progress for display.
type Snapshot struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
	Retries   int
	Words     int
	WordsDone int
	Elapsed   time.Duration
}

func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

func (s Snapshot) ChunksPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Seconds()
}

func (s Snapshot) WordsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.WordsDone) / s.Elapsed.Seconds()
}

// ETA extrapolates the remaining time from the chunk rate so far.
func (s Snapshot) ETA() time.Duration {
	rate := s.ChunksPerSecond()
	if rate == 0 {
		return 0
	}
	remaining := float64(s.Total - s.Completed)
	return time.Duration(remaining / rate * float64(time.Second))
}

// Observer is told about progress after every chunk resolves. Update may be
// called from several goroutines at once.
type Observer interface {
	Update(Snapshot)
}

type ObserverFunc func(Snapshot)

func (f ObserverFunc) Update(s Snapshot) { f(s) }

// Progress is the status object of one run. Only the orchestrator writes to
// it; anyone may read a Snapshot.
type Progress struct {
	total     atomic.Int64
	words     atomic.Int64
	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	wordsDone atomic.Int64
	started   atomic.Int64

	observer Observer
}

// NewProgress returns a status object. observer may be nil.
func NewProgress(observer Observer) *Progress {
	return &Progress{observer: observer}
}

func (p *Progress) Snapshot() Snapshot {
	var elapsed time.Duration
	if started := p.started.Load(); started != 0 {
		elapsed = time.Since(time.Unix(0, started))
	}
	return Snapshot{
		Total:     int(p.total.Load()),
		Completed: int(p.completed.Load()),
		Succeeded: int(p.succeeded.Load()),
		Failed:    int(p.failed.Load()),
		Retries:   int(p.retries.Load()),
		Words:     int(p.words.Load()),
		WordsDone: int(p.wordsDone.Load()),
		Elapsed:   elapsed,
	}
}

func (p *Progress) begin(chunks []planner.Chunk) {
	if p == nil {
		return
	}
	words := 0
	for _, c := range chunks {
		words += c.Words()
	}
	p.total.Store(int64(len(chunks)))
	p.words.Store(int64(words))
	p.started.Store(time.Now().UnixNano())
}

func (p *Progress) resolve(words int, ok bool) {
	if p == nil {
		return
	}
	if ok {
		p.succeeded.Add(1)
		p.wordsDone.Add(int64(words))
	} else {
		p.failed.Add(1)
	}
	p.completed.Add(1)
	if p.observer != nil {
		p.observer.Update(p.Snapshot())
	}
}

func (p *Progress) retry() {
	if p == nil {
		return
	}
	p.retries.Add(1)
}
