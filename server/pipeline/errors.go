package pipeline

import "errors"

// Error taxonomy of the pipeline. Callers match these with errors.Is;
// concrete failures wrap them with detail.
var (
	// ErrPreconditionFailed: the request is invalid in the run's current
	// state (already running, already complete, unknown stage, etc).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBackpressure: a bounded queue is full and the producer chose not
	// to wait.
	ErrBackpressure = errors.New("backpressure")

	// ErrStageFailure: a stage hit an unrecoverable error. The run
	// transitions to Failed and the wrapped error says which stage and why.
	ErrStageFailure = errors.New("stage failure")

	// ErrCancelled: the run was stopped while the operation was in flight.
	ErrCancelled = errors.New("cancelled")
)
