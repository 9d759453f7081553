package provision

import "errors"

// Package-level errors. Use errors.Is() for classification.
var (
	ErrStoreNil = errors.New("store cannot be nil")

	// ErrChangePending signals a DNS change not yet in sync; wait steps
	// surface it through the retry mechanism until propagation completes.
	ErrChangePending = errors.New("dns change not yet propagated")

	// ErrDistributionNotDeployed signals a distribution still rolling out.
	ErrDistributionNotDeployed = errors.New("distribution not yet deployed")

	// ErrMissingProviderResource means a step needs a provider resource the
	// instance record does not reference yet. Ordering bug or corrupted
	// state; never retried.
	ErrMissingProviderResource = errors.New("instance is missing a required provider resource")

	// ErrNoCertificateMaterial means a step needs issued certificate
	// material that is not present.
	ErrNoCertificateMaterial = errors.New("certificate has no issued material")
)
