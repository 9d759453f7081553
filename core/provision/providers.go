package provision

import "context"

// TXTRecord is one DNS TXT record to publish or remove.
type TXTRecord struct {
	Name  string
	Value string
}

// DNSProvider manages the broker's DNS records: challenge TXT records and
// the ALIAS records pointing domains at the provisioned resource. Upserts
// and deletes are idempotent; change ids feed the in-sync wait.
type DNSProvider interface {
	UpsertTXT(ctx context.Context, records []TXTRecord) (changeID string, err error)
	DeleteTXT(ctx context.Context, records []TXTRecord) (changeID string, err error)

	UpsertAlias(ctx context.Context, domains []string, target string) (changeID string, err error)
	DeleteAlias(ctx context.Context, domains []string, target string) (changeID string, err error)

	// ChangeInSync reports whether the given change has propagated.
	ChangeInSync(ctx context.Context, changeID string) (bool, error)
}

// ServerCertificate is the provider-assigned identity of an uploaded
// certificate.
type ServerCertificate struct {
	Name string
	ID   string
	ARN  string
}

// UploadRequest carries the certificate material for the provider-side
// certificate store.
type UploadRequest struct {
	Name           string
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	ChainPEM       []byte
	Path           string
}

// ServerCertificateStore is the IAM-like provider-side certificate store.
// Upload tolerates "already exists" by fetching the existing certificate;
// Delete tolerates "not found" as already-satisfied.
type ServerCertificateStore interface {
	Upload(ctx context.Context, req UploadRequest) (ServerCertificate, error)
	Delete(ctx context.Context, name string) error
}

// Distribution is the CDN-side resource fronting an instance's domains.
type Distribution struct {
	ID         string
	ARN        string
	DomainName string
	Status     string
	Enabled    bool
}

// DistributionStatusDeployed is the terminal CDN deployment status.
const DistributionStatusDeployed = "Deployed"

// DistributionRequest carries the inputs for creating a distribution.
type DistributionRequest struct {
	InstanceID          string
	Domains             []string
	OriginDomain        string
	ServerCertificateID string
}

// CDNProvider manages CDN distributions. Delete tolerates "not found".
type CDNProvider interface {
	CreateDistribution(ctx context.Context, req DistributionRequest) (Distribution, error)
	GetDistribution(ctx context.Context, id string) (Distribution, error)
	UpdateCertificate(ctx context.Context, distributionID, serverCertificateID string) error
	DisableDistribution(ctx context.Context, id string) error
	DeleteDistribution(ctx context.Context, id string) error
}

// Listener is a load balancer listener an instance's certificate attaches to.
type Listener struct {
	ARN                 string
	LoadBalancerDNSName string
}

// LoadBalancerProvider manages listener certificate attachments. Attach
// tolerates an already-attached certificate; Detach tolerates "not found".
type LoadBalancerProvider interface {
	// SelectListener picks the shared listener with the fewest attached
	// certificates.
	SelectListener(ctx context.Context) (Listener, error)

	AttachCertificate(ctx context.Context, listenerARN, certificateARN string) error
	DetachCertificate(ctx context.Context, listenerARN, certificateARN string) error
}

// WAFProvider manages the dedicated web ACL of CDNDedicatedWAF instances.
// EnsureWebACL is idempotent per instance; Delete tolerates "not found".
type WAFProvider interface {
	EnsureWebACL(ctx context.Context, instanceID string) (arn string, err error)
	AssociateWebACL(ctx context.Context, webACLARN, resourceARN string) error
	DisassociateWebACL(ctx context.Context, resourceARN string) error
	DeleteWebACL(ctx context.Context, webACLARN string) error
}
