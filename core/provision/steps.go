package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

var timeNow = time.Now

// Store is the persistence surface the provisioning steps need.
type Store interface {
	broker.OperationStore
	broker.InstanceStore
	broker.CertificateStore
}

// Providers bundles the cloud capability interfaces. Deployments wire the
// AWS-backed implementations; tests use doubles. A provider may be nil when
// no registered pipeline exercises it.
type Providers struct {
	DNS  DNSProvider
	Cert ServerCertificateStore
	CDN  CDNProvider
	LB   LoadBalancerProvider
	WAF  WAFProvider
}

// Steps builds the infrastructure steps shared by the lifecycle pipelines:
// DNS record management, certificate store uploads, CDN and load balancer
// wiring, WAF association, and instance bookkeeping. Every step checks for
// its effect before acting, mirroring the issuance state machine.
type Steps struct {
	store     Store
	providers Providers

	// certPath is the provider-side path prefix for uploaded certificates.
	certPath string

	logger *slog.Logger
}

// StepsOption is a functional option for configuring the provisioning steps.
type StepsOption func(*Steps)

// WithLogger configures structured logging for the provisioning steps.
func WithLogger(log *slog.Logger) StepsOption {
	return func(s *Steps) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithCertificatePath overrides the provider-side certificate path prefix.
func WithCertificatePath(path string) StepsOption {
	return func(s *Steps) {
		if path != "" {
			s.certPath = path
		}
	}
}

// NewSteps creates the provisioning step set.
func NewSteps(store Store, providers Providers, opts ...StepsOption) (*Steps, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	s := &Steps{
		store:     store,
		providers: providers,
		certPath:  "/cloudfront/domainbroker/",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// newCert loads the instance's in-flight certificate. A nil return carries
// the Result to propagate.
func (s *Steps) newCert(ctx context.Context, instance *broker.ServiceInstance) (*broker.Certificate, pipeline.Result) {
	if instance.NewCertificateID == nil {
		return nil, pipeline.Fail(fmt.Errorf("%w: no issuance in flight for %s",
			ErrNoCertificateMaterial, instance.ID))
	}
	return s.loadCert(ctx, *instance.NewCertificateID)
}

func (s *Steps) loadCert(ctx context.Context, id int64) (*broker.Certificate, pipeline.Result) {
	cert, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		if errors.Is(err, broker.ErrCertificateNotFound) {
			return nil, pipeline.Fail(err)
		}
		return nil, pipeline.Retry(err)
	}
	return cert, pipeline.Result{}
}

// CancelInFlightOperations cancels every other active operation on the
// instance. The first step of a deprovision chain, preventing two
// contradictory chains from progressing concurrently.
func (s *Steps) CancelInFlightOperations() pipeline.Step {
	return pipeline.Func{
		StepName:    "cancel_in_flight_operations",
		Description: "Canceling in-flight operations",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			active, err := s.store.ListActiveOperations(ctx, instance.ID)
			if err != nil {
				return pipeline.Retry(err)
			}

			now := timeNow()
			for _, other := range active {
				if other.ID == op.ID {
					continue
				}
				other.CanceledAt = &now
				if err := s.store.SaveOperation(ctx, other); err != nil {
					return pipeline.Retry(err)
				}
				s.logger.InfoContext(ctx, "canceled superseded operation",
					slog.Int64("canceled_operation_id", other.ID),
					slog.String("canceled_action", string(other.Action)))
			}

			return pipeline.Proceed()
		},
	}
}

// DeactivateInstance marks the instance deprovisioned. Deactivation is
// soft: the record stays for the audit trail and domain-uniqueness history.
func (s *Steps) DeactivateInstance() pipeline.Step {
	return pipeline.Func{
		StepName:    "deactivate_instance",
		Description: "Deactivating service instance",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.Deactivated() {
				return pipeline.Proceed()
			}

			now := timeNow()
			instance.DeactivatedAt = &now
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// VerifyMigrationResources checks that the provider resources a migrating
// instance claims to own actually exist. Non-retriable: a missing resource
// is bad input, not a transient fault.
func (s *Steps) VerifyMigrationResources() pipeline.Step {
	return pipeline.Func{
		StepName:    "verify_migration_resources",
		Description: "Verifying pre-existing provider resources",
		CanRetry:    false,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			switch {
			case instance.DistributionID != "":
				if _, err := s.providers.CDN.GetDistribution(ctx, instance.DistributionID); err != nil {
					return pipeline.Fail(fmt.Errorf("%w: distribution %s: %w",
						ErrMissingProviderResource, instance.DistributionID, err))
				}
			case instance.ListenerARN != "":
				// Listener existence is proven by the attach step failing
				// later; nothing cheap to verify here beyond presence.
			default:
				return pipeline.Fail(fmt.Errorf("%w: migration instance %s references neither a distribution nor a listener",
					ErrMissingProviderResource, instance.ID))
			}

			return pipeline.Proceed()
		},
	}
}

// MarkSucceeded is the terminal step of every chain: it transitions the
// operation to its success state.
func (s *Steps) MarkSucceeded() pipeline.Step {
	return pipeline.Func{
		StepName:    "mark_succeeded",
		Description: "Operation complete",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if op.State == broker.OperationSucceeded {
				return pipeline.Proceed()
			}

			op.State = broker.OperationSucceeded
			if err := s.store.SaveOperation(ctx, op); err != nil {
				return pipeline.Retry(err)
			}

			s.logger.InfoContext(ctx, "operation succeeded",
				slog.Int64("operation_id", op.ID),
				slog.String("action", string(op.Action)))

			return pipeline.Proceed()
		},
	}
}
