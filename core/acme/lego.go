package acme

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/challenge/dns01"
)

const defaultUserAgent = "domainbroker/1.0"

// LegoAuthority implements CertificateAuthority against a real ACME
// directory using lego's low-level API client, which exposes the resumable
// account/order/challenge primitives the issuance state machine needs.
type LegoAuthority struct {
	directoryURL string
	userAgent    string
	httpClient   *http.Client
}

// LegoOption is a functional option for configuring the authority.
type LegoOption func(*LegoAuthority)

// WithHTTPClient overrides the HTTP client used for directory traffic.
func WithHTTPClient(client *http.Client) LegoOption {
	return func(a *LegoAuthority) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithUserAgent overrides the user agent sent to the directory.
func WithUserAgent(ua string) LegoOption {
	return func(a *LegoAuthority) {
		if ua != "" {
			a.userAgent = ua
		}
	}
}

// NewLegoAuthority creates an authority for the given ACME directory URL.
func NewLegoAuthority(directoryURL string, opts ...LegoOption) (*LegoAuthority, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("directory URL is required")
	}

	a := &LegoAuthority{
		directoryURL: directoryURL,
		userAgent:    defaultUserAgent,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

func (a *LegoAuthority) Register(ctx context.Context, key crypto.PrivateKey, email string) (*Account, error) {
	// Registration signs with the embedded account key; the key id comes
	// back as the account location.
	core, err := api.New(a.httpClient, a.userAgent, a.directoryURL, "", key)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client: %w", err)
	}

	account, err := core.Accounts.New(legoacme.Account{
		Contact:              []string{"mailto:" + email},
		TermsOfServiceAgreed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}

	registration, err := json.Marshal(account.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize registration: %w", err)
	}

	return &Account{
		URI:          account.Location,
		Registration: registration,
	}, nil
}

func (a *LegoAuthority) Session(ctx context.Context, key crypto.PrivateKey, registrationURI string) (AccountSession, error) {
	if registrationURI == "" {
		return nil, fmt.Errorf("registration URI is required")
	}

	core, err := api.New(a.httpClient, a.userAgent, a.directoryURL, registrationURI, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client: %w", err)
	}

	return &legoSession{core: core}, nil
}

type legoSession struct {
	core *api.Core
}

func (s *legoSession) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	order, err := s.core.Orders.New(domains)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return toOrder(order.Order, order.Location)
}

func (s *legoSession) GetOrder(ctx context.Context, orderURL string) (*Order, error) {
	order, err := s.core.Orders.Get(orderURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return toOrder(order.Order, orderURL)
}

func (s *legoSession) DNSChallenges(ctx context.Context, order *Order) ([]DNSChallenge, error) {
	challenges := make([]DNSChallenge, 0, len(order.AuthzURLs))

	for _, authzURL := range order.AuthzURLs {
		authz, err := s.core.Authorizations.Get(authzURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch authorization: %w", err)
		}

		var dnsChallenge *legoacme.Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == "dns-01" {
				dnsChallenge = &authz.Challenges[i]
				break
			}
		}
		if dnsChallenge == nil {
			return nil, fmt.Errorf("no dns-01 challenge offered for %s", authz.Identifier.Value)
		}

		keyAuth, err := s.core.GetKeyAuthorization(dnsChallenge.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key authorization: %w", err)
		}

		info := dns01.GetChallengeInfo(authz.Identifier.Value, keyAuth)

		body, err := json.Marshal(dnsChallenge)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize challenge: %w", err)
		}

		challenges = append(challenges, DNSChallenge{
			Domain:             authz.Identifier.Value,
			URL:                dnsChallenge.URL,
			Status:             dnsChallenge.Status,
			ValidationDomain:   info.EffectiveFQDN,
			ValidationContents: info.Value,
			Body:               body,
		})
	}

	return challenges, nil
}

func (s *legoSession) AnswerChallenge(ctx context.Context, ch *DNSChallenge) (bool, error) {
	current, err := s.core.Challenges.Get(ch.URL)
	if err != nil {
		return false, fmt.Errorf("failed to fetch challenge state: %w", err)
	}

	// A prior partial run may already have validated this challenge.
	if current.Status == StatusValid {
		return true, nil
	}

	if _, err := s.core.Challenges.New(ch.URL); err != nil {
		return false, fmt.Errorf("failed to answer challenge for %s: %w", ch.Domain, err)
	}

	return true, nil
}

func (s *legoSession) Finalize(ctx context.Context, order *Order, csrDER []byte) (*Order, error) {
	updated, err := s.core.Orders.UpdateForCSR(order.FinalizeURL, csrDER)
	if err != nil {
		if isOrderNotReady(err) {
			return nil, fmt.Errorf("%w: %w", ErrOrderAlreadyFinalized, err)
		}
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}
	return toOrder(updated.Order, order.URL)
}

func (s *legoSession) CertificateChain(ctx context.Context, certificateURL string) ([]byte, error) {
	cert, _, err := s.core.Certificates.Get(certificateURL, true)
	if err != nil {
		return nil, fmt.Errorf("failed to download certificate: %w", err)
	}
	return cert, nil
}

// isOrderNotReady detects the RFC 8555 orderNotReady problem the directory
// returns when finalizing an order that is past the ready state.
func isOrderNotReady(err error) bool {
	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		return strings.HasSuffix(problem.Type, "orderNotReady")
	}
	return strings.Contains(err.Error(), "orderNotReady")
}

func toOrder(order legoacme.Order, url string) (*Order, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize order: %w", err)
	}

	problem := ""
	if order.Error != nil {
		problem = order.Error.Error()
	}

	return &Order{
		URL:            url,
		Status:         order.Status,
		FinalizeURL:    order.Finalize,
		CertificateURL: order.Certificate,
		AuthzURLs:      order.Authorizations,
		Raw:            raw,
		Problem:        problem,
	}, nil
}
