//go:build windows

package merge

// Current returns the merge behaviour for this build. Windows writes chunk 0
// straight to the output path so a player can open the final file while the
// rest is still synthesizing.
func Current() Platform {
	return Platform{Name: "windows", FirstArtifactIsOutput: true}
}
