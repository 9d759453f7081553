package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// serverCertificateName derives the provider-side certificate name. The
// certificate id makes the name unique per issuance, so a renewal never
// collides with the certificate it replaces.
func serverCertificateName(instance *broker.ServiceInstance, cert *broker.Certificate) string {
	return fmt.Sprintf("%s-%d", instance.ID, cert.ID)
}

// UploadCertificate pushes the issued certificate into the provider-side
// store and persists the assigned identifiers. A certificate already
// uploaded is a no-op; the store implementation absorbs "already exists" by
// fetching the existing entry, so duplicate delivery cannot fail here.
func (s *Steps) UploadCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "upload_certificate",
		Description: "Uploading certificate to the provider store",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}
			if cert.Uploaded() {
				return pipeline.Proceed()
			}
			if !cert.Issued() {
				return pipeline.Fail(fmt.Errorf("%w: certificate %d", ErrNoCertificateMaterial, cert.ID))
			}

			uploaded, err := s.providers.Cert.Upload(ctx, UploadRequest{
				Name:           serverCertificateName(instance, cert),
				CertificatePEM: cert.LeafPEM,
				PrivateKeyPEM:  cert.PrivateKeyPEM,
				ChainPEM:       cert.FullChainPEM,
				Path:           s.certPath,
			})
			if err != nil {
				return pipeline.Retry(err)
			}

			cert.ServerCertificateName = uploaded.Name
			cert.ServerCertificateID = uploaded.ID
			cert.ServerCertificateARN = uploaded.ARN
			if err := s.store.SaveCertificate(ctx, cert); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// PromoteCertificate moves the in-flight certificate into the current slot
// and deletes the superseded certificate from the provider store. Doing the
// provider-side cleanup inside the promotion step, rather than leaving it to
// monitoring, is what keeps orphaned server certificates from accumulating.
func (s *Steps) PromoteCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "promote_certificate",
		Description: "Promoting new certificate to current",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.NewCertificateID == nil {
				// Already promoted by a prior attempt.
				return pipeline.Proceed()
			}

			supersededID := instance.CurrentCertificateID

			instance.CurrentCertificateID = instance.NewCertificateID
			instance.NewCertificateID = nil
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			if supersededID == nil {
				return pipeline.Proceed()
			}

			superseded, res := s.loadCert(ctx, *supersededID)
			if superseded == nil {
				// The row is gone; nothing provider-side is addressable.
				if res.Outcome == pipeline.OutcomeRetry {
					return res
				}
				return pipeline.Proceed()
			}

			if superseded.ServerCertificateName != "" {
				// Delete tolerates "not found", so re-running after a
				// partial promotion stays safe.
				if err := s.providers.Cert.Delete(ctx, superseded.ServerCertificateName); err != nil {
					return pipeline.Retry(err)
				}
			}

			return pipeline.Proceed()
		},
	}
}

// DeleteServerCertificates removes every provider-side certificate the
// instance still references, on deprovision.
func (s *Steps) DeleteServerCertificates() pipeline.Step {
	return pipeline.Func{
		StepName:    "delete_server_certificates",
		Description: "Deleting certificates from the provider store",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
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
				if cert.ServerCertificateName == "" {
					continue
				}

				if err := s.providers.Cert.Delete(ctx, cert.ServerCertificateName); err != nil {
					return pipeline.Retry(err)
				}
			}

			return pipeline.Proceed()
		},
	}
}
