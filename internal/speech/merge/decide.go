package merge

import "fmt"

// Platform captures how the streaming player and the merge step share files
// on a given operating system.
type Platform struct {
	Name string
	// FirstArtifactIsOutput makes chunk 0 synthesize directly into the
	// requested output path when streaming.
	FirstArtifactIsOutput bool
}

type Decision struct {
	Needed bool
	Reason string
}

type DecisionInput struct {
	Streaming  bool
	OutputPath string
	// Ready holds the indices of the chunks that synthesized, ascending.
	Ready    []int
	Platform Platform
}

// Decide reports whether a merge has to run once synthesis has finished.
func Decide(in DecisionInput) Decision {
	switch {
	case len(in.Ready) == 0:
		return Decision{Reason: "no chunk was synthesized"}

	case in.Streaming && in.OutputPath == "":
		return Decision{Reason: "playback only, no output file requested"}

	case in.Streaming && in.Platform.FirstArtifactIsOutput && len(in.Ready) == 1 && in.Ready[0] == 0:
		return Decision{Reason: "chunk 0 already lives at the output path"}

	case len(in.Ready) == 1:
		return Decision{Needed: true, Reason: "single part copied to the output"}

	case in.Streaming && in.Platform.FirstArtifactIsOutput:
		return Decision{Needed: true, Reason: fmt.Sprintf("%d parts appended behind chunk 0 on %s", len(in.Ready), in.Platform.Name)}

	default:
		return Decision{Needed: true, Reason: fmt.Sprintf("%d parts to concatenate", len(in.Ready))}
	}
}
