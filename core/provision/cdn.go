package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// CreateDistribution provisions the CDN distribution serving the instance's
// domains with the uploaded certificate. An instance that already references
// a distribution is a no-op.
func (s *Steps) CreateDistribution() pipeline.Step {
	return pipeline.Func{
		StepName:    "create_distribution",
		Description: "Creating CDN distribution",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.DistributionID != "" {
				return pipeline.Proceed()
			}

			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}
			if !cert.Uploaded() {
				return pipeline.Fail(fmt.Errorf("%w: certificate %d not uploaded",
					ErrNoCertificateMaterial, cert.ID))
			}

			dist, err := s.providers.CDN.CreateDistribution(ctx, DistributionRequest{
				InstanceID:          instance.ID,
				Domains:             instance.DomainNames,
				OriginDomain:        instance.OriginDomain,
				ServerCertificateID: cert.ServerCertificateID,
			})
			if err != nil {
				return pipeline.Retry(err)
			}

			instance.DistributionID = dist.ID
			instance.DistributionARN = dist.ARN
			instance.DistributionDomain = dist.DomainName
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// WaitDistributionDeployed polls the distribution to its deployed state.
func (s *Steps) WaitDistributionDeployed() pipeline.Step {
	return pipeline.Func{
		StepName:    "wait_distribution",
		Description: "Waiting for CDN distribution deployment",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.DistributionID == "" {
				return pipeline.Fail(fmt.Errorf("%w: no distribution on instance %s",
					ErrMissingProviderResource, instance.ID))
			}

			dist, err := s.providers.CDN.GetDistribution(ctx, instance.DistributionID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if dist.Status != DistributionStatusDeployed {
				return pipeline.Retry(fmt.Errorf("%w: distribution %s is %s",
					ErrDistributionNotDeployed, dist.ID, dist.Status))
			}

			return pipeline.Proceed()
		},
	}
}

// UpdateDistributionCertificate swaps the distribution onto the in-flight
// certificate during renewals and updates. The provider call is idempotent.
func (s *Steps) UpdateDistributionCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "update_distribution_certificate",
		Description: "Updating CDN distribution certificate",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.DistributionID == "" {
				return pipeline.Fail(fmt.Errorf("%w: no distribution on instance %s",
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

			if err := s.providers.CDN.UpdateCertificate(ctx, instance.DistributionID, cert.ServerCertificateID); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// DisableDistribution turns the distribution off ahead of deletion.
func (s *Steps) DisableDistribution() pipeline.Step {
	return pipeline.Func{
		StepName:    "disable_distribution",
		Description: "Disabling CDN distribution",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.DistributionID == "" {
				return pipeline.Proceed()
			}

			dist, err := s.providers.CDN.GetDistribution(ctx, instance.DistributionID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if !dist.Enabled {
				return pipeline.Proceed()
			}

			if err := s.providers.CDN.DisableDistribution(ctx, instance.DistributionID); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// DeleteDistribution removes the distribution once the disable has rolled
// out, then clears the instance's distribution references.
func (s *Steps) DeleteDistribution() pipeline.Step {
	return pipeline.Func{
		StepName:    "delete_distribution",
		Description: "Deleting CDN distribution",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.DistributionID == "" {
				return pipeline.Proceed()
			}

			dist, err := s.providers.CDN.GetDistribution(ctx, instance.DistributionID)
			if err != nil {
				return pipeline.Retry(err)
			}
			// Deletion is only accepted after the disable finished rolling
			// out.
			if dist.Enabled || dist.Status != DistributionStatusDeployed {
				return pipeline.Retry(fmt.Errorf("%w: distribution %s is %s",
					ErrDistributionNotDeployed, dist.ID, dist.Status))
			}

			if err := s.providers.CDN.DeleteDistribution(ctx, instance.DistributionID); err != nil {
				return pipeline.Retry(err)
			}

			instance.DistributionID = ""
			instance.DistributionARN = ""
			instance.DistributionDomain = ""
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}
