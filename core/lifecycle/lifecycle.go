// Package lifecycle assembles the complete pipeline table: one ordered step
// chain per (action, instance type) pair. The table is exhaustive and built
// at startup, so an unsupported combination fails at construction time
// instead of surfacing as a runtime dispatch error.
package lifecycle

import (
	"errors"

	"github.com/dmitrymomot/domainbroker/core/acme"
	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
	"github.com/dmitrymomot/domainbroker/core/provision"
)

var (
	// ErrIssuanceStepsNil is returned when the ACME step set is nil.
	ErrIssuanceStepsNil = errors.New("lifecycle: issuance steps cannot be nil")
	// ErrInfraStepsNil is returned when the provisioning step set is nil.
	ErrInfraStepsNil = errors.New("lifecycle: infrastructure steps cannot be nil")
)

// NewBuilder registers every supported pipeline and returns the populated
// builder. Issuance steps come from the ACME state machine, infrastructure
// steps from the provisioning set; the chains differ only in which serving
// resource they manage.
func NewBuilder(issue *acme.Steps, infra *provision.Steps) (*pipeline.Builder, error) {
	if issue == nil {
		return nil, ErrIssuanceStepsNil
	}
	if infra == nil {
		return nil, ErrInfraStepsNil
	}

	// Shared issuance prefix: ACME account, key and CSR, DNS-01 validation,
	// certificate retrieval, cleanup of the challenge records, and the
	// provider-store upload.
	issuance := func() []pipeline.Step {
		return []pipeline.Step{
			issue.CreateUser(),
			issue.GeneratePrivateKey(),
			issue.InitiateChallenges(),
			infra.PublishChallengeRecords(),
			infra.WaitChallengeRecords(),
			issue.AnswerChallenges(),
			issue.RetrieveCertificate(),
			infra.RemoveChallengeRecords(),
			infra.UploadCertificate(),
		}
	}

	finish := func() []pipeline.Step {
		return []pipeline.Step{
			infra.PublishAliasRecords(),
			infra.WaitAliasRecords(),
			infra.PromoteCertificate(),
			infra.MarkSucceeded(),
		}
	}

	chain := func(groups ...[]pipeline.Step) []pipeline.Step {
		var steps []pipeline.Step
		for _, g := range groups {
			steps = append(steps, g...)
		}
		return steps
	}

	b := pipeline.NewBuilder()

	type entry struct {
		action broker.Action
		typ    broker.InstanceType
		steps  []pipeline.Step
	}

	entries := []entry{
		// Provision: issue, stand up the serving resource, point DNS at it.
		{broker.ActionProvision, broker.InstanceTypeCDN, chain(
			issuance(),
			[]pipeline.Step{infra.CreateDistribution(), infra.WaitDistributionDeployed()},
			finish(),
		)},
		{broker.ActionProvision, broker.InstanceTypeCDNDedicatedWAF, chain(
			issuance(),
			[]pipeline.Step{
				infra.CreateDistribution(),
				infra.WaitDistributionDeployed(),
				infra.EnsureWebACL(),
				infra.AssociateWebACL(),
			},
			finish(),
		)},
		{broker.ActionProvision, broker.InstanceTypeALB, chain(
			issuance(),
			[]pipeline.Step{infra.SelectListener(), infra.AttachListenerCertificate()},
			finish(),
		)},
		{broker.ActionProvision, broker.InstanceTypeDedicatedALB, chain(
			issuance(),
			[]pipeline.Step{infra.SelectListener(), infra.AttachListenerCertificate()},
			finish(),
		)},

		// Update: domains changed, so the certificate is reissued and the
		// serving resource and DNS are re-pointed.
		{broker.ActionUpdate, broker.InstanceTypeCDN, chain(
			issuance(),
			[]pipeline.Step{infra.UpdateDistributionCertificate()},
			finish(),
		)},
		{broker.ActionUpdate, broker.InstanceTypeCDNDedicatedWAF, chain(
			issuance(),
			[]pipeline.Step{infra.UpdateDistributionCertificate()},
			finish(),
		)},
		{broker.ActionUpdate, broker.InstanceTypeALB, chain(
			issuance(),
			[]pipeline.Step{infra.AttachListenerCertificate(), infra.DetachSupersededCertificate()},
			finish(),
		)},
		{broker.ActionUpdate, broker.InstanceTypeDedicatedALB, chain(
			issuance(),
			[]pipeline.Step{infra.AttachListenerCertificate(), infra.DetachSupersededCertificate()},
			finish(),
		)},

		// Renew: reissue and swap in place. DNS already points at the
		// serving resource, so no alias work.
		{broker.ActionRenew, broker.InstanceTypeCDN, chain(
			issuance(),
			[]pipeline.Step{
				infra.UpdateDistributionCertificate(),
				infra.PromoteCertificate(),
				infra.MarkSucceeded(),
			},
		)},
		{broker.ActionRenew, broker.InstanceTypeCDNDedicatedWAF, chain(
			issuance(),
			[]pipeline.Step{
				infra.UpdateDistributionCertificate(),
				infra.PromoteCertificate(),
				infra.MarkSucceeded(),
			},
		)},
		{broker.ActionRenew, broker.InstanceTypeALB, chain(
			issuance(),
			[]pipeline.Step{
				infra.AttachListenerCertificate(),
				infra.DetachSupersededCertificate(),
				infra.PromoteCertificate(),
				infra.MarkSucceeded(),
			},
		)},
		{broker.ActionRenew, broker.InstanceTypeDedicatedALB, chain(
			issuance(),
			[]pipeline.Step{
				infra.AttachListenerCertificate(),
				infra.DetachSupersededCertificate(),
				infra.PromoteCertificate(),
				infra.MarkSucceeded(),
			},
		)},
		{broker.ActionRenew, broker.InstanceTypeMigration, chain(
			issuance(),
			[]pipeline.Step{
				infra.InstallCertificate(),
				infra.DetachSupersededCertificate(),
				infra.PromoteCertificate(),
				infra.MarkSucceeded(),
			},
		)},

		// Deprovision: cancel competing chains, unwind DNS, tear down the
		// serving resource, deactivate. The instance record survives for
		// the audit trail.
		{broker.ActionDeprovision, broker.InstanceTypeCDN, []pipeline.Step{
			infra.CancelInFlightOperations(),
			infra.RemoveAliasRecords(),
			infra.DisableDistribution(),
			infra.DeleteDistribution(),
			infra.DeleteServerCertificates(),
			infra.DeactivateInstance(),
			infra.MarkSucceeded(),
		}},
		{broker.ActionDeprovision, broker.InstanceTypeCDNDedicatedWAF, []pipeline.Step{
			infra.CancelInFlightOperations(),
			infra.RemoveAliasRecords(),
			infra.DisableDistribution(),
			infra.DeleteWebACL(),
			infra.DeleteDistribution(),
			infra.DeleteServerCertificates(),
			infra.DeactivateInstance(),
			infra.MarkSucceeded(),
		}},
		{broker.ActionDeprovision, broker.InstanceTypeALB, []pipeline.Step{
			infra.CancelInFlightOperations(),
			infra.RemoveAliasRecords(),
			infra.DetachListenerCertificates(),
			infra.DeleteServerCertificates(),
			infra.DeactivateInstance(),
			infra.MarkSucceeded(),
		}},
		{broker.ActionDeprovision, broker.InstanceTypeDedicatedALB, []pipeline.Step{
			infra.CancelInFlightOperations(),
			infra.RemoveAliasRecords(),
			infra.DetachListenerCertificates(),
			infra.DeleteServerCertificates(),
			infra.DeactivateInstance(),
			infra.MarkSucceeded(),
		}},
		// Migrated instances keep their adopted resources on deprovision;
		// only the broker-managed pieces are cleaned up.
		{broker.ActionDeprovision, broker.InstanceTypeMigration, []pipeline.Step{
			infra.CancelInFlightOperations(),
			infra.RemoveAliasRecords(),
			infra.DeleteServerCertificates(),
			infra.DeactivateInstance(),
			infra.MarkSucceeded(),
		}},

		// MigrateToBroker: adopt pre-existing resources, push the supplied
		// certificate, point DNS. No issuance; the certificate material
		// arrives with the migration instance.
		{broker.ActionMigrateToBroker, broker.InstanceTypeMigration, chain(
			[]pipeline.Step{
				infra.VerifyMigrationResources(),
				infra.UploadCertificate(),
				infra.InstallCertificate(),
			},
			finish(),
		)},
	}

	for _, e := range entries {
		if err := b.Register(e.action, e.typ, e.steps...); err != nil {
			return nil, err
		}
	}

	return b, nil
}
