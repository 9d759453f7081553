package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// challengeRecords maps the in-flight certificate's challenges to TXT
// records.
func challengeRecords(challenges []*broker.Challenge) []TXTRecord {
	records := make([]TXTRecord, 0, len(challenges))
	for _, ch := range challenges {
		records = append(records, TXTRecord{
			Name:  ch.ValidationDomain,
			Value: ch.ValidationContents,
		})
	}
	return records
}

// PublishChallengeRecords upserts one TXT record per DNS-01 challenge and
// records the change id for the propagation wait. Upserts are idempotent,
// so a resumed chain republished the same values harmlessly.
func (s *Steps) PublishChallengeRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "publish_txt_records",
		Description: "Publishing DNS challenge records",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}

			challenges, err := s.store.ListChallenges(ctx, cert.ID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if len(challenges) == 0 {
				return pipeline.Fail(fmt.Errorf("certificate %d has no challenges to publish", cert.ID))
			}

			changeID, err := s.providers.DNS.UpsertTXT(ctx, challengeRecords(challenges))
			if err != nil {
				return pipeline.Retry(err)
			}

			cert.DNSChangeID = changeID
			if err := s.store.SaveCertificate(ctx, cert); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// WaitChallengeRecords polls the TXT change to in-sync. The queue's retry
// delay provides the poll spacing; the change id is cleared once observed
// in sync so a resumed chain does not wait again.
func (s *Steps) WaitChallengeRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "wait_txt_records",
		Description: "Waiting for DNS challenge records to propagate",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}
			if cert.DNSChangeID == "" {
				return pipeline.Proceed()
			}

			inSync, err := s.providers.DNS.ChangeInSync(ctx, cert.DNSChangeID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if !inSync {
				return pipeline.Retry(fmt.Errorf("%w: change %s", ErrChangePending, cert.DNSChangeID))
			}

			cert.DNSChangeID = ""
			if err := s.store.SaveCertificate(ctx, cert); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// RemoveChallengeRecords deletes the challenge TXT records after issuance.
func (s *Steps) RemoveChallengeRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "remove_txt_records",
		Description: "Removing DNS challenge records",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			cert, res := s.newCert(ctx, instance)
			if cert == nil {
				return res
			}

			challenges, err := s.store.ListChallenges(ctx, cert.ID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if len(challenges) == 0 {
				return pipeline.Proceed()
			}

			if _, err := s.providers.DNS.DeleteTXT(ctx, challengeRecords(challenges)); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// aliasTarget returns the hostname the instance's domains should alias to.
func aliasTarget(instance *broker.ServiceInstance) string {
	if instance.DistributionDomain != "" {
		return instance.DistributionDomain
	}
	return instance.LoadBalancerDNSName
}

// PublishAliasRecords points the instance's domains at the provisioned
// resource and records the change id.
func (s *Steps) PublishAliasRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "publish_alias_records",
		Description: "Publishing DNS alias records",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			target := aliasTarget(instance)
			if target == "" {
				return pipeline.Fail(fmt.Errorf("%w: instance %s has no alias target",
					ErrMissingProviderResource, instance.ID))
			}

			changeID, err := s.providers.DNS.UpsertAlias(ctx, instance.DomainNames, target)
			if err != nil {
				return pipeline.Retry(err)
			}

			instance.AliasChangeID = changeID
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// WaitAliasRecords polls the ALIAS change to in-sync.
func (s *Steps) WaitAliasRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "wait_alias_records",
		Description: "Waiting for DNS alias records to propagate",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.AliasChangeID == "" {
				return pipeline.Proceed()
			}

			inSync, err := s.providers.DNS.ChangeInSync(ctx, instance.AliasChangeID)
			if err != nil {
				return pipeline.Retry(err)
			}
			if !inSync {
				return pipeline.Retry(fmt.Errorf("%w: change %s", ErrChangePending, instance.AliasChangeID))
			}

			instance.AliasChangeID = ""
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// RemoveAliasRecords deletes the instance's ALIAS records on deprovision.
func (s *Steps) RemoveAliasRecords() pipeline.Step {
	return pipeline.Func{
		StepName:    "remove_alias_records",
		Description: "Removing DNS alias records",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			target := aliasTarget(instance)
			if target == "" {
				// Nothing was ever published.
				return pipeline.Proceed()
			}

			if _, err := s.providers.DNS.DeleteAlias(ctx, instance.DomainNames, target); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}
