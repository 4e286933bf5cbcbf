package pipeline

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when a start request carries no input text.
var ErrEmptyInput = errors.New("input text is required")

// ErrBadCheckpoint is returned when a resume payload cannot be decoded or
// names a resume stage that does not belong to its checkpoint kind.
var ErrBadCheckpoint = errors.New("invalid checkpoint payload")

// StageError wraps a fatal stage failure with its position in the pipeline.
// Transient upstream failures never surface here; the resilient client
// absorbs them. A StageError means the run cannot make further progress.
type StageError struct {
	// Stage is where the failure occurred.
	Stage StageID

	// Err is the underlying cause.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErr wraps err in a StageError unless it is already one.
func stageErr(stage StageID, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
