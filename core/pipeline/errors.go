package pipeline

import "errors"

// Package-level errors. Use errors.Is() for classification.
var (
	ErrStoreNil    = errors.New("store cannot be nil")
	ErrBuilderNil  = errors.New("builder cannot be nil")
	ErrEnqueuerNil = errors.New("enqueuer cannot be nil")

	// ErrMissingOperationID and ErrMissingCorrelationID guard against
	// programming errors at chain construction, not runtime business
	// failures.
	ErrMissingOperationID   = errors.New("operation id is required")
	ErrMissingCorrelationID = errors.New("correlation id is required")

	// ErrUnknownPipeline means no chain is registered for an
	// (action, instance type) pair. This is a configuration error and is
	// never retried.
	ErrUnknownPipeline = errors.New("no pipeline registered for action and instance type")

	ErrPipelineRedefined   = errors.New("pipeline already registered for action and instance type")
	ErrEmptyPipeline       = errors.New("pipeline must contain at least one step")
	ErrStepIndexOutOfRange = errors.New("step index out of pipeline range")
)
