package app

import (
	"fmt"
	"io"
	"readaloud/internal/cli/scheme/colours"
	"readaloud/internal/speech/orchestrator"
	"readaloud/internal/speech/pipeline"
	"sync"
	"time"
)

// progressPrinter redraws a single status line as chunks resolve.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Update(s orchestrator.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	colours.Progress.Fprintf(p.w, "\r⏳ %d/%d chunks · %3.0f%% · %.1f chunks/s · ETA %s   ",
		s.Completed, s.Total, s.Percent(), s.ChunksPerSecond(), s.ETA().Round(time.Second))
	if s.Failed > 0 {
		colours.Warning.Fprintf(p.w, "(%d failed) ", s.Failed)
	}
	p.printed = true
}

// Finish ends the status line.
func (p *progressPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed {
		fmt.Fprintln(p.w)
	}
}

func printResult(w io.Writer, result pipeline.Result) {
	if len(result.Chunks) == 0 {
		return
	}
	r := result.Report

	fmt.Fprintln(w)
	c := colours.Outcome(result.Outcome.String())
	switch result.Outcome {
	case orchestrator.OutcomeSuccess:
		c.Fprintf(w, "✅ Done: %d/%d chunks synthesized in %s\n", r.Succeeded, r.Total, r.Elapsed.Round(time.Millisecond))
	case orchestrator.OutcomePartial:
		c.Fprintf(w, "⚠️ Partial: %d/%d chunks synthesized, missing chunks %v\n", r.Succeeded, r.Total, result.Gaps)
	default:
		c.Fprintf(w, "❌ Failed: none of the %d chunks could be synthesized\n", r.Total)
	}

	for _, chunk := range r.Chunks {
		if chunk.Err != nil {
			colours.Warning.Fprintf(w, "   chunk %d after %d attempts: %v\n", chunk.Index, chunk.Attempts, chunk.Err)
		}
	}

	if len(result.PlaybackGaps) > 0 {
		skipped := make([]int, len(result.PlaybackGaps))
		for i, g := range result.PlaybackGaps {
			skipped[i] = g.Index
		}
		colours.Warning.Fprintf(w, "🔇 Skipped during playback: %v\n", skipped)
	}
	if result.PlaybackSkipped {
		colours.Warning.Fprintln(w, "🔇 No audio device, nothing was played")
	}

	if result.MergeRationale != "" {
		fmt.Fprintf(w, "🔗 %s", result.MergeRationale)
		if result.MergeStrategy != "" {
			fmt.Fprintf(w, " (%s)", result.MergeStrategy)
		}
		fmt.Fprintln(w)
	}
	if result.FinalArtifactPath != "" {
		colours.Success.Fprintf(w, "💾 Saved to %s\n", result.FinalArtifactPath)
	}

	if len(result.RetainedArtifacts) > 0 {
		colours.Warning.Fprintf(w, "📁 Kept %d chunk files for recovery:\n", len(result.RetainedArtifacts))
		for _, path := range result.RetainedArtifacts {
			fmt.Fprintf(w, "   %s\n", path)
		}
	}
}
