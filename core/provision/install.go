package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// InstallCertificate puts the in-flight certificate onto whichever serving
// resource the instance owns. Migrated instances arrive with either a
// distribution or a listener, so this step dispatches where the typed
// pipelines use the resource-specific steps directly.
func (s *Steps) InstallCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "install_certificate",
		Description: "Installing certificate on the serving resource",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}
			if !cert.Uploaded() {
				return pipeline.Fail(fmt.Errorf("%w: certificate %d not uploaded",
					ErrNoCertificateMaterial, cert.ID))
			}

			switch {
			case instance.DistributionID != "":
				if err := s.providers.CDN.UpdateCertificate(ctx, instance.DistributionID, cert.ServerCertificateID); err != nil {
					return pipeline.Retry(err)
				}
			case instance.ListenerARN != "":
				if err := s.providers.LB.AttachCertificate(ctx, instance.ListenerARN, cert.ServerCertificateARN); err != nil {
					return pipeline.Retry(err)
				}
			default:
				return pipeline.Fail(fmt.Errorf("%w: instance %s has no serving resource",
					ErrMissingProviderResource, instance.ID))
			}

			return pipeline.Proceed()
		},
	}
}
