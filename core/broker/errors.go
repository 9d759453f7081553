package broker

import "errors"

// Domain-specific errors for the operation ledger and instance stores.
// Use errors.Is() for classification.
var (
	ErrOperationNotFound   = errors.New("operation not found")
	ErrInstanceNotFound    = errors.New("service instance not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAccountNotFound     = errors.New("acme account not found")
	ErrInstanceDeactivated = errors.New("service instance is deactivated")
	ErrDuplicateDomain     = errors.New("domain already in use by an active instance")
	ErrDuplicateInstance   = errors.New("service instance already exists")
)
