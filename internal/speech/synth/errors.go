package synth

import (
	"context"
	"errors"
)

var (
	// ErrEmptyText is returned when there is nothing to synthesize.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrEmptyAudio is returned when a backend answers without audio.
	ErrEmptyAudio = errors.New("backend returned no audio")

	// ErrRateLimited is returned when the backend throttles requests.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnsupportedEngine is returned for an unknown engine name.
	ErrUnsupportedEngine = errors.New("unsupported synthesis engine")

	// ErrEngineUnavailable is returned when an engine cannot run on this host.
	ErrEngineUnavailable = errors.New("synthesis engine unavailable")
)

// SynthesisError carries backend failure details. Retryable marks transient
// failures that another attempt may fix.
type SynthesisError struct {
	Backend   string
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return e.Backend + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Backend + ": " + e.Message
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

func NewSynthesisError(backend, code, message string, cause error, retryable bool) *SynthesisError {
	return &SynthesisError{
		Backend:   backend,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// IsRetryable reports whether err is a transient synthesis failure. Deadline
// errors count as transient since they come from per-attempt timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var serr *SynthesisError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
