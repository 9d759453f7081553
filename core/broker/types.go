package broker

import (
	"slices"
	"time"
)

// Action identifies the lifecycle transition an Operation drives.
type Action string

const (
	ActionProvision       Action = "provision"
	ActionDeprovision     Action = "deprovision"
	ActionUpdate          Action = "update"
	ActionRenew           Action = "renew"
	ActionMigrateToBroker Action = "migrate_to_broker"
)

// OperationState tracks an Operation through its one-way lifecycle.
// Transitions are InProgress -> Succeeded or InProgress -> Failed, never back.
type OperationState string

const (
	OperationInProgress OperationState = "in_progress"
	OperationSucceeded  OperationState = "succeeded"
	OperationFailed     OperationState = "failed"
)

// InstanceType discriminates the provisioned resource shape of a ServiceInstance.
type InstanceType string

const (
	InstanceTypeCDN             InstanceType = "cdn"
	InstanceTypeALB             InstanceType = "alb"
	InstanceTypeDedicatedALB    InstanceType = "dedicated_alb"
	InstanceTypeCDNDedicatedWAF InstanceType = "cdn_dedicated_waf"
	InstanceTypeMigration       InstanceType = "migration"
)

// Operation records one lifecycle transition attempt on a ServiceInstance.
// Operations are never deleted; they form the audit trail of the instance.
type Operation struct {
	ID              int64          `json:"id"`
	InstanceID      string         `json:"instance_id"`
	Action          Action         `json:"action"`
	State           OperationState `json:"state"`
	StepDescription string         `json:"step_description"`
	CanceledAt      *time.Time     `json:"canceled_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Canceled reports whether the operation's chain should be abandoned.
func (o *Operation) Canceled() bool {
	return o.CanceledAt != nil
}

// Active reports whether the operation is still progressing: in progress and
// not canceled.
func (o *Operation) Active() bool {
	return o.State == OperationInProgress && !o.Canceled()
}

// ServiceInstance is the externally provisioned resource a broker caller owns.
// Instances are deactivated on deprovision, never hard-deleted.
type ServiceInstance struct {
	ID          string       `json:"id"`
	Type        InstanceType `json:"type"`
	DomainNames []string     `json:"domain_names"`

	// Certificate slots. At most one issuance is in flight per instance:
	// NewCertificateID points at it until promotion moves it to
	// CurrentCertificateID.
	CurrentCertificateID *int64 `json:"current_certificate_id,omitempty"`
	NewCertificateID     *int64 `json:"new_certificate_id,omitempty"`

	// Provider-assigned attributes, populated as pipelines progress.
	DistributionID      string `json:"distribution_id,omitempty"`
	DistributionDomain  string `json:"distribution_domain,omitempty"`
	DistributionARN     string `json:"distribution_arn,omitempty"`
	ListenerARN         string `json:"listener_arn,omitempty"`
	LoadBalancerDNSName string `json:"load_balancer_dns_name,omitempty"`
	WebACLARN           string `json:"web_acl_arn,omitempty"`
	OriginDomain        string `json:"origin_domain,omitempty"`

	// AliasChangeID is the pending DNS change for the instance's ALIAS
	// records, cleared once observed in sync.
	AliasChangeID string `json:"alias_change_id,omitempty"`

	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Deactivated reports whether the instance was deprovisioned.
func (si *ServiceInstance) Deactivated() bool {
	return si.DeactivatedAt != nil
}

// HasDomain reports whether the instance serves the given hostname.
func (si *ServiceInstance) HasDomain(domain string) bool {
	return slices.Contains(si.DomainNames, domain)
}

// ACMEAccount is the per-instance ACME registration, created once and reused
// across renewals.
type ACMEAccount struct {
	InstanceID      string    `json:"instance_id"`
	Email           string    `json:"email"`
	PrivateKeyPEM   []byte    `json:"private_key_pem"`
	RegistrationURI string    `json:"registration_uri"`
	Registration    []byte    `json:"registration"`
	CreatedAt       time.Time `json:"created_at"`
}

// Certificate represents one issuance attempt and, once issued, its result.
type Certificate struct {
	ID                      int64    `json:"id"`
	InstanceID              string   `json:"instance_id"`
	SubjectAlternativeNames []string `json:"subject_alternative_names"`

	PrivateKeyPEM []byte `json:"private_key_pem"`
	CSRPEM        []byte `json:"csr_pem"`

	// Order state persisted after initiate_challenges so a resumed chain
	// does not re-request an order already in flight.
	OrderURL string `json:"order_url,omitempty"`
	Order    []byte `json:"order,omitempty"`

	// DNSChangeID is the pending DNS change carrying the challenge TXT
	// records, cleared once observed in sync.
	DNSChangeID string `json:"dns_change_id,omitempty"`

	// Issued material. LeafPEM is set exactly once per successful issuance.
	LeafPEM      []byte     `json:"leaf_pem,omitempty"`
	FullChainPEM []byte     `json:"full_chain_pem,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// Provider-assigned server certificate identifiers after upload.
	ServerCertificateName string `json:"server_certificate_name,omitempty"`
	ServerCertificateID   string `json:"server_certificate_id,omitempty"`
	ServerCertificateARN  string `json:"server_certificate_arn,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Issued reports whether the certificate material was retrieved from the CA.
func (c *Certificate) Issued() bool {
	return len(c.LeafPEM) > 0
}

// Uploaded reports whether the certificate is present in the provider-side
// server certificate store.
func (c *Certificate) Uploaded() bool {
	return c.ServerCertificateARN != ""
}

// ExpiresWithin reports whether the certificate expires before now+window.
// An unissued certificate never reports as expiring.
func (c *Certificate) ExpiresWithin(window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(time.Now().Add(window))
}

// Challenge is one DNS-01 challenge for one domain of a Certificate.
type Challenge struct {
	ID            int64  `json:"id"`
	CertificateID int64  `json:"certificate_id"`
	Domain        string `json:"domain"`

	// ValidationDomain is the DNS name the CA queries, ValidationContents
	// the TXT value that must be published there.
	ValidationDomain   string `json:"validation_domain"`
	ValidationContents string `json:"validation_contents"`

	Body []byte `json:"body,omitempty"`

	// Answered is monotonic: once true it never reverts.
	Answered  bool      `json:"answered"`
	CreatedAt time.Time `json:"created_at"`
}
