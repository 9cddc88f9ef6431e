//go:build !windows

package merge

import "runtime"

// Current returns the merge behaviour for this build. Other systems stream
// from the per-chunk playlist and merge afterwards.
func Current() Platform {
	return Platform{Name: runtime.GOOS}
}
