package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// SelectListener assigns the instance to the least-loaded shared listener.
// An instance already bound to a listener keeps it.
func (s *Steps) SelectListener() pipeline.Step {
	return pipeline.Func{
		StepName:    "select_listener",
		Description: "Selecting load balancer listener",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.ListenerARN != "" {
				return pipeline.Proceed()
			}

			listener, err := s.providers.LB.SelectListener(ctx)
			if err != nil {
				return pipeline.Retry(err)
			}

			instance.ListenerARN = listener.ARN
			instance.LoadBalancerDNSName = listener.LoadBalancerDNSName
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// AttachListenerCertificate attaches the in-flight certificate to the
// instance's listener. The provider tolerates an already-attached
// certificate, so duplicate delivery is safe.
func (s *Steps) AttachListenerCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "attach_listener_certificate",
		Description: "Attaching certificate to load balancer listener",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.ListenerARN == "" {
				return pipeline.Fail(fmt.Errorf("%w: no listener on instance %s",
					ErrMissingProviderResource, instance.ID))
			}

			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}
			if !cert.Uploaded() {
				return pipeline.Fail(fmt.Errorf("%w: certificate %d not uploaded",
					ErrNoCertificateMaterial, cert.ID))
			}

			if err := s.providers.LB.AttachCertificate(ctx, instance.ListenerARN, cert.ServerCertificateARN); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// DetachSupersededCertificate removes the outgoing current certificate from
// the listener before promotion, so renewals never leave two certificates
// attached.
func (s *Steps) DetachSupersededCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "detach_superseded_certificate",
		Description: "Detaching superseded certificate from listener",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.ListenerARN == "" || instance.CurrentCertificateID == nil {
				return pipeline.Proceed()
			}

			current, res := s.loadCert(ctx, *instance.CurrentCertificateID)
			if current == nil {
				if res.Outcome == pipeline.OutcomeRetry {
					return res
				}
				return pipeline.Proceed()
			}
			if current.ServerCertificateARN == "" {
				return pipeline.Proceed()
			}

			// Detach tolerates "not found"; re-running after a partial
			// promotion stays safe.
			if err := s.providers.LB.DetachCertificate(ctx, instance.ListenerARN, current.ServerCertificateARN); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// DetachListenerCertificates removes every certificate the instance still
// has attached, on deprovision.
func (s *Steps) DetachListenerCertificates() pipeline.Step {
	return pipeline.Func{
		StepName:    "detach_listener_certificates",
		Description: "Detaching certificates from load balancer listener",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.ListenerARN == "" {
				return pipeline.Proceed()
			}

			for _, certID := range []*int64{instance.CurrentCertificateID, instance.NewCertificateID} {
				if certID == nil {
					continue
				}

				cert, res := s.loadCert(ctx, *certID)
				if cert == nil {
					if res.Outcome == pipeline.OutcomeRetry {
						return res
					}
					continue
				}
				if cert.ServerCertificateARN == "" {
					continue
				}

				if err := s.providers.LB.DetachCertificate(ctx, instance.ListenerARN, cert.ServerCertificateARN); err != nil {
					return pipeline.Retry(err)
				}
			}

			return pipeline.Proceed()
		},
	}
}
