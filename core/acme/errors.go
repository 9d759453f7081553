package acme

import "errors"

// Package-level errors. Use errors.Is() for classification.
var (
	ErrStoreNil     = errors.New("store cannot be nil")
	ErrAuthorityNil = errors.New("certificate authority cannot be nil")

	// ErrValidationFailed means the CA rejected one or more DNS challenges.
	// The in-flight certificate and its challenges are deleted before this
	// surfaces so the next issuance starts clean.
	ErrValidationFailed = errors.New("certificate authority reported validation failure")

	// ErrFinalizeTimeout means the order did not reach a terminal state
	// within the configured poll deadline. Distinguishable from validation
	// failure; the step retries.
	ErrFinalizeTimeout = errors.New("timed out waiting for order finalization")

	// ErrOrderAlreadyFinalized marks a finalize attempt against an order a
	// prior partial run already finalized; callers re-fetch the existing
	// certificate instead.
	ErrOrderAlreadyFinalized = errors.New("order already finalized")

	// ErrMalformedChain means the returned full chain held fewer than two
	// PEM certificate blocks. Data error, never retried.
	ErrMalformedChain = errors.New("malformed certificate chain")

	// ErrNoIssuanceInFlight means a step that requires an in-flight
	// certificate found none on the instance.
	ErrNoIssuanceInFlight = errors.New("instance has no certificate issuance in flight")
)
