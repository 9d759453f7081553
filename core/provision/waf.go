package provision

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// EnsureWebACL creates the instance's dedicated web ACL if it does not
// already exist and persists its ARN.
func (s *Steps) EnsureWebACL() pipeline.Step {
	return pipeline.Func{
		StepName:    "create_web_acl",
		Description: "Creating dedicated web ACL",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.WebACLARN != "" {
				return pipeline.Proceed()
			}

			arn, err := s.providers.WAF.EnsureWebACL(ctx, instance.ID)
			if err != nil {
				return pipeline.Retry(err)
			}

			instance.WebACLARN = arn
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// AssociateWebACL binds the web ACL to the instance's distribution.
func (s *Steps) AssociateWebACL() pipeline.Step {
	return pipeline.Func{
		StepName:    "associate_web_acl",
		Description: "Associating web ACL with distribution",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.WebACLARN == "" || instance.DistributionARN == "" {
				return pipeline.Fail(fmt.Errorf("%w: instance %s needs both a web ACL and a distribution",
					ErrMissingProviderResource, instance.ID))
			}

			if err := s.providers.WAF.AssociateWebACL(ctx, instance.WebACLARN, instance.DistributionARN); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}

// DeleteWebACL disassociates and deletes the instance's web ACL on
// deprovision.
func (s *Steps) DeleteWebACL() pipeline.Step {
	return pipeline.Func{
		StepName:    "delete_web_acl",
		Description: "Deleting dedicated web ACL",
		CanRetry:    true,
		Run: func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
			if instance.WebACLARN == "" {
				return pipeline.Proceed()
			}

			if instance.DistributionARN != "" {
				if err := s.providers.WAF.DisassociateWebACL(ctx, instance.DistributionARN); err != nil {
					return pipeline.Retry(err)
				}
			}

			if err := s.providers.WAF.DeleteWebACL(ctx, instance.WebACLARN); err != nil {
				return pipeline.Retry(err)
			}

			instance.WebACLARN = ""
			if err := s.store.SaveInstance(ctx, instance); err != nil {
				return pipeline.Retry(err)
			}

			return pipeline.Proceed()
		},
	}
}
