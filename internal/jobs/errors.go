package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for queries against an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an operation does not apply
	// to the job's current state, e.g. cancelling a terminal job.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStopped is returned for submissions after the manager shut down.
	ErrStopped = errors.New("manager stopped")
	// ErrNotReady is returned when a result is requested for a job that
	// has not completed.
	ErrNotReady = errors.New("result not ready")
)

// ValidationError rejects a malformed submission before any record exists.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s", e.Reason)
}
