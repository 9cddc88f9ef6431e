package planner

import (
	"runtime"
	"strings"
)

// Recommendation is a chunk size and worker count suited to a text length.
type Recommendation struct {
	TargetSeconds float64
	Concurrency   int
}

// DefaultWorkers is the worker count used for long texts.
func DefaultWorkers() int {
	return min(32, runtime.NumCPU()*4)
}

// Recommend picks settings from the word count of text. Short texts go out as
// a single request; longer ones get bigger chunks and more workers.
func Recommend(text string) Recommendation {
	words := len(strings.Fields(text))
	switch {
	case words < 100:
		return Recommendation{TargetSeconds: 0, Concurrency: 1}
	case words < 500:
		return Recommendation{TargetSeconds: 20, Concurrency: 2}
	case words < 2000:
		return Recommendation{TargetSeconds: 30, Concurrency: 4}
	default:
		return Recommendation{TargetSeconds: 45, Concurrency: DefaultWorkers()}
	}
}
