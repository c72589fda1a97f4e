package audit

import (
	"errors"
	"fmt"
)

// Client-facing and pipeline errors.
var (
	// ErrInvalidInput rejects a submission before any job is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned when results are requested before a report exists.
	ErrNotReady = errors.New("job results not ready")
	// ErrInsufficientData is returned by analyzers given an empty page set.
	ErrInsufficientData = errors.New("insufficient data")
)

// StageError records why a named stage could not complete.
type StageError struct {
	Stage StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
