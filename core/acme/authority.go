package acme

import (
	"context"
	"crypto"
)

// Order statuses mirror RFC 8555 order state names.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Account is the result of registering with the CA directory.
type Account struct {
	// URI is the server-assigned account location, used as the key id on
	// every subsequent request.
	URI string

	// Registration is the serialized registration document.
	Registration []byte
}

// Order is one certificate order at the CA, reloadable by URL so resumed
// chains never re-request an order already in flight.
type Order struct {
	URL            string
	Status         string
	FinalizeURL    string
	CertificateURL string
	AuthzURLs      []string

	// Raw is the serialized order for persistence on the Certificate row.
	Raw []byte

	// Problem carries the CA's error detail when Status is invalid.
	Problem string
}

// DNSChallenge is one DNS-01 challenge with its precomputed TXT answer.
type DNSChallenge struct {
	Domain string
	URL    string
	Status string

	// ValidationDomain is the DNS name the CA queries, ValidationContents
	// the TXT value that must be published there.
	ValidationDomain   string
	ValidationContents string

	// Body is the serialized challenge for persistence.
	Body []byte
}

// AccountSession is a CA session bound to one account key and registration.
// All order and challenge traffic goes through it.
type AccountSession interface {
	// NewOrder submits a new order for the given domains.
	NewOrder(ctx context.Context, domains []string) (*Order, error)

	// GetOrder reloads an order by its URL.
	GetOrder(ctx context.Context, orderURL string) (*Order, error)

	// DNSChallenges resolves the order's authorizations into DNS-01
	// challenges with precomputed TXT validation contents.
	DNSChallenges(ctx context.Context, order *Order) ([]DNSChallenge, error)

	// AnswerChallenge tells the CA to validate one challenge. A challenge
	// the CA already reports valid is not re-submitted; the return value is
	// true either way once the challenge counts as answered.
	AnswerChallenge(ctx context.Context, ch *DNSChallenge) (bool, error)

	// Finalize submits the CSR against the order's finalize URL. Finalizing
	// an order a prior run already finalized returns
	// ErrOrderAlreadyFinalized.
	Finalize(ctx context.Context, order *Order, csrDER []byte) (*Order, error)

	// CertificateChain downloads the full-chain PEM bundle for an issued
	// order.
	CertificateChain(ctx context.Context, certificateURL string) ([]byte, error)
}

// CertificateAuthority is the seam between the issuance state machine and
// the ACME directory. LegoAuthority is the production implementation; tests
// substitute doubles.
type CertificateAuthority interface {
	// Register creates a new account for the given key.
	Register(ctx context.Context, key crypto.PrivateKey, email string) (*Account, error)

	// Session opens an AccountSession for an existing registration.
	Session(ctx context.Context, key crypto.PrivateKey, registrationURI string) (AccountSession, error)
}
