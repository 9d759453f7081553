package broker

import (
	"context"
	"time"
)

// OperationStore is the persistent operation ledger. It is the single source
// of truth both the pipeline executor and the API surface read and write.
type OperationStore interface {
	// CreateOperation persists a new operation and assigns its ID.
	CreateOperation(ctx context.Context, op *Operation) error

	// GetOperation loads an operation by ID, returning ErrOperationNotFound
	// when absent.
	GetOperation(ctx context.Context, id int64) (*Operation, error)

	// SaveOperation persists mutations to state, step description, and
	// cancellation flag, bumping updated_at.
	SaveOperation(ctx context.Context, op *Operation) error

	// ListStaleOperations returns in-progress, non-canceled operations whose
	// updated_at is older than the given cutoff.
	ListStaleOperations(ctx context.Context, olderThan time.Time) ([]*Operation, error)

	// ListActiveOperations returns in-progress, non-canceled operations for
	// one instance.
	ListActiveOperations(ctx context.Context, instanceID string) ([]*Operation, error)
}

// InstanceStore persists service instances.
type InstanceStore interface {
	// CreateInstance persists a new instance. Domain uniqueness is enforced
	// globally across active (non-deactivated) instances; a clash returns
	// ErrDuplicateDomain.
	CreateInstance(ctx context.Context, instance *ServiceInstance) error

	GetInstance(ctx context.Context, id string) (*ServiceInstance, error)
	SaveInstance(ctx context.Context, instance *ServiceInstance) error

	// ListInstancesWithExpiringCertificates returns active instances whose
	// current certificate expires before the given time.
	ListInstancesWithExpiringCertificates(ctx context.Context, before time.Time) ([]*ServiceInstance, error)
}

// CertificateStore persists issuance attempts and their DNS-01 challenges.
type CertificateStore interface {
	CreateCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id int64) (*Certificate, error)
	SaveCertificate(ctx context.Context, cert *Certificate) error

	// DeleteCertificate removes a certificate and all of its challenges,
	// used when a validation failure requires a clean retry slate.
	DeleteCertificate(ctx context.Context, id int64) error

	CreateChallenges(ctx context.Context, challenges []*Challenge) error
	ListChallenges(ctx context.Context, certificateID int64) ([]*Challenge, error)
	SaveChallenge(ctx context.Context, challenge *Challenge) error
}

// AccountStore persists per-instance ACME registrations.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound when the instance has no
	// registration yet; the create_user step relies on this to stay
	// idempotent.
	GetAccount(ctx context.Context, instanceID string) (*ACMEAccount, error)
	CreateAccount(ctx context.Context, account *ACMEAccount) error
}

// Store combines every repository the pipelines need. Implementations can
// serve as the complete persistence backend of the broker core.
type Store interface {
	OperationStore
	InstanceStore
	CertificateStore
	AccountStore
}
