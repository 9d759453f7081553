package scanner

import "errors"

var (
	// ErrStoreNil is returned when a scanner is constructed without a store.
	ErrStoreNil = errors.New("scanner: store cannot be nil")

	// ErrRunnerNil is returned when a scanner is constructed without a chain
	// runner.
	ErrRunnerNil = errors.New("scanner: runner cannot be nil")
)
