package acme

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/logger"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// Store is the persistence surface the issuance steps need.
type Store interface {
	broker.AccountStore
	broker.CertificateStore
	broker.InstanceStore
}

// Steps builds the certificate issuance state machine: five idempotent
// pipeline steps shared by every chain that issues a certificate. Each step
// checks whether its effect already exists before calling the CA, which is
// what makes crash resumption and duplicate queue delivery safe.
type Steps struct {
	store Store
	ca    CertificateAuthority

	email            string
	propagationDelay time.Duration
	pollInterval     time.Duration
	pollTimeout      time.Duration

	accountKeyType     certcrypto.KeyType
	certificateKeyType certcrypto.KeyType

	logger *slog.Logger
}

// StepsOption is a functional option for configuring the issuance steps.
type StepsOption func(*Steps)

// WithLogger configures structured logging for the issuance steps.
func WithLogger(log *slog.Logger) StepsOption {
	return func(s *Steps) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithKeyTypes overrides the account and certificate key types.
func WithKeyTypes(account, certificate certcrypto.KeyType) StepsOption {
	return func(s *Steps) {
		if account != "" {
			s.accountKeyType = account
		}
		if certificate != "" {
			s.certificateKeyType = certificate
		}
	}
}

// NewSteps creates the issuance step set from configuration.
func NewSteps(store Store, ca CertificateAuthority, cfg Config, opts ...StepsOption) (*Steps, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if ca == nil {
		return nil, ErrAuthorityNil
	}

	s := &Steps{
		store:              store,
		ca:                 ca,
		email:              cfg.Email,
		propagationDelay:   cfg.PropagationDelay,
		pollInterval:       cfg.PollInterval,
		pollTimeout:        cfg.PollTimeout,
		accountKeyType:     certcrypto.EC256,
		certificateKeyType: certcrypto.RSA2048,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// CreateUser registers the instance's ACME account, once. Re-running against
// an instance that already has an account is a no-op.
func (s *Steps) CreateUser() pipeline.Step {
	return pipeline.Func{
		StepName:    "create_user",
		Description: "Registering ACME account",
		CanRetry:    true,
		Run:         s.createUser,
	}
}

func (s *Steps) createUser(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	if _, err := s.store.GetAccount(ctx, instance.ID); err == nil {
		return pipeline.Proceed()
	} else if !errors.Is(err, broker.ErrAccountNotFound) {
		return pipeline.Retry(err)
	}

	key, err := certcrypto.GeneratePrivateKey(s.accountKeyType)
	if err != nil {
		return pipeline.Retry(fmt.Errorf("failed to generate account key: %w", err))
	}

	account, err := s.ca.Register(ctx, key, s.email)
	if err != nil {
		return pipeline.Retry(err)
	}

	if err := s.store.CreateAccount(ctx, &broker.ACMEAccount{
		InstanceID:      instance.ID,
		Email:           s.email,
		PrivateKeyPEM:   certcrypto.PEMEncode(key),
		RegistrationURI: account.URI,
		Registration:    account.Registration,
	}); err != nil {
		return pipeline.Retry(err)
	}

	s.logger.InfoContext(ctx, "acme account registered",
		logger.InstanceID(instance.ID),
		slog.String("registration_uri", account.URI))

	return pipeline.Proceed()
}

// GeneratePrivateKey creates the certificate key and CSR for all of the
// instance's current domains on a fresh Certificate record. Non-retriable:
// a failure here means something is wrong with inputs, not the network.
func (s *Steps) GeneratePrivateKey() pipeline.Step {
	return pipeline.Func{
		StepName:    "generate_private_key",
		Description: "Generating certificate private key and CSR",
		CanRetry:    false,
		Run:         s.generatePrivateKey,
	}
}

func (s *Steps) generatePrivateKey(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	if instance.NewCertificateID != nil {
		cert, err := s.store.GetCertificate(ctx, *instance.NewCertificateID)
		switch {
		case err == nil && len(cert.CSRPEM) > 0:
			return pipeline.Proceed()
		case err != nil && !errors.Is(err, broker.ErrCertificateNotFound):
			return pipeline.Fail(err)
		}
	}

	if len(instance.DomainNames) == 0 {
		return pipeline.Fail(fmt.Errorf("instance %s has no domain names", instance.ID))
	}

	key, err := certcrypto.GeneratePrivateKey(s.certificateKeyType)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("failed to generate certificate key: %w", err))
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: instance.DomainNames[0]},
		DNSNames: instance.DomainNames,
	}, key)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("failed to create CSR: %w", err))
	}

	cert := &broker.Certificate{
		InstanceID:              instance.ID,
		SubjectAlternativeNames: instance.DomainNames,
		PrivateKeyPEM:           certcrypto.PEMEncode(key),
		CSRPEM:                  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}),
	}
	if err := s.store.CreateCertificate(ctx, cert); err != nil {
		return pipeline.Fail(err)
	}

	instance.NewCertificateID = &cert.ID
	if err := s.store.SaveInstance(ctx, instance); err != nil {
		return pipeline.Fail(err)
	}

	return pipeline.Proceed()
}

// InitiateChallenges submits the order and persists one DNS-01 challenge per
// domain with its precomputed TXT answer. An order already recorded is never
// re-requested.
func (s *Steps) InitiateChallenges() pipeline.Step {
	return pipeline.Func{
		StepName:    "initiate_challenges",
		Description: "Initiating DNS challenges with the certificate authority",
		CanRetry:    true,
		Run:         s.initiateChallenges,
	}
}

func (s *Steps) initiateChallenges(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	cert, res := s.inflight(ctx, instance)
	if cert == nil {
		return res
	}

	sess, err := s.session(ctx, instance.ID)
	if err != nil {
		return pipeline.Retry(err)
	}

	if cert.OrderURL == "" {
		order, err := sess.NewOrder(ctx, cert.SubjectAlternativeNames)
		if err != nil {
			return pipeline.Retry(err)
		}

		cert.OrderURL = order.URL
		cert.Order = order.Raw
		if err := s.store.SaveCertificate(ctx, cert); err != nil {
			return pipeline.Retry(err)
		}
	}

	// The order may have been persisted by a prior attempt that crashed
	// before writing challenge rows; only the missing part is redone.
	existing, err := s.store.ListChallenges(ctx, cert.ID)
	if err != nil {
		return pipeline.Retry(err)
	}
	if len(existing) > 0 {
		return pipeline.Proceed()
	}

	order, err := sess.GetOrder(ctx, cert.OrderURL)
	if err != nil {
		return pipeline.Retry(err)
	}

	dnsChallenges, err := sess.DNSChallenges(ctx, order)
	if err != nil {
		return pipeline.Retry(err)
	}

	challenges := make([]*broker.Challenge, 0, len(dnsChallenges))
	for _, ch := range dnsChallenges {
		challenges = append(challenges, &broker.Challenge{
			CertificateID:      cert.ID,
			Domain:             ch.Domain,
			ValidationDomain:   ch.ValidationDomain,
			ValidationContents: ch.ValidationContents,
			Body:               ch.Body,
		})
	}

	if err := s.store.CreateChallenges(ctx, challenges); err != nil {
		return pipeline.Retry(err)
	}

	s.logger.InfoContext(ctx, "dns challenges initiated",
		logger.InstanceID(instance.ID),
		slog.Int("challenge_count", len(challenges)))

	return pipeline.Proceed()
}

// AnswerChallenges submits every unanswered challenge to the CA, observing
// the propagation delay once before the first answer. Challenges the CA
// already reports valid are marked answered without re-submission.
func (s *Steps) AnswerChallenges() pipeline.Step {
	return pipeline.Func{
		StepName:    "answer_challenges",
		Description: "Answering DNS challenges",
		CanRetry:    true,
		Run:         s.answerChallenges,
	}
}

func (s *Steps) answerChallenges(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	cert, res := s.inflight(ctx, instance)
	if cert == nil {
		return res
	}

	challenges, err := s.store.ListChallenges(ctx, cert.ID)
	if err != nil {
		return pipeline.Retry(err)
	}

	unanswered := make([]*broker.Challenge, 0, len(challenges))
	for _, ch := range challenges {
		if !ch.Answered {
			unanswered = append(unanswered, ch)
		}
	}
	if len(unanswered) == 0 {
		return pipeline.Proceed()
	}

	// One propagation delay before any answers, so DNS changes are globally
	// visible by the time the CA starts querying.
	select {
	case <-ctx.Done():
		return pipeline.Retry(ctx.Err())
	case <-time.After(s.propagationDelay):
	}

	sess, err := s.session(ctx, instance.ID)
	if err != nil {
		return pipeline.Retry(err)
	}

	for _, ch := range unanswered {
		answered, err := sess.AnswerChallenge(ctx, &DNSChallenge{
			Domain:             ch.Domain,
			URL:                challengeURL(ch.Body),
			ValidationDomain:   ch.ValidationDomain,
			ValidationContents: ch.ValidationContents,
			Body:               ch.Body,
		})
		if err != nil {
			return pipeline.Retry(err)
		}
		if !answered {
			continue
		}

		ch.Answered = true
		if err := s.store.SaveChallenge(ctx, ch); err != nil {
			return pipeline.Retry(err)
		}
	}

	return pipeline.Proceed()
}

// RetrieveCertificate polls the order to a terminal state, splits the
// returned chain, and persists the issued material. A certificate with a
// leaf already set is a no-op; a CA-side validation failure deletes the
// in-flight certificate and challenges so the next issuance starts clean.
func (s *Steps) RetrieveCertificate() pipeline.Step {
	return pipeline.Func{
		StepName:    "retrieve_certificate",
		Description: "Retrieving issued certificate",
		CanRetry:    true,
		Run:         s.retrieveCertificate,
	}
}

func (s *Steps) retrieveCertificate(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	cert, res := s.inflight(ctx, instance)
	if cert == nil {
		return res
	}
	if cert.Issued() {
		return pipeline.Proceed()
	}

	csrDER, err := csrFromPEM(cert.CSRPEM)
	if err != nil {
		return pipeline.Fail(err)
	}

	sess, err := s.session(ctx, instance.ID)
	if err != nil {
		return pipeline.Retry(err)
	}

	deadline := time.Now().Add(s.pollTimeout)

	for {
		order, err := sess.GetOrder(ctx, cert.OrderURL)
		if err != nil {
			return pipeline.Retry(err)
		}

		switch order.Status {
		case StatusValid:
			if order.CertificateURL != "" {
				return s.persistIssued(ctx, sess, cert, order)
			}
			// Finalized but the certificate URL is not populated yet.

		case StatusReady:
			// Finalizing an order a prior partial run already finalized is
			// absorbed; the next poll observes the valid state.
			if _, err := sess.Finalize(ctx, order, csrDER); err != nil &&
				!errors.Is(err, ErrOrderAlreadyFinalized) {
				return pipeline.Retry(err)
			}

		case StatusInvalid:
			if err := s.cleanupIssuance(ctx, instance, cert); err != nil {
				return pipeline.Retry(err)
			}
			return pipeline.Fail(fmt.Errorf("%w: %s", ErrValidationFailed, order.Problem))

		case StatusPending, StatusProcessing:
			// Keep polling.

		default:
			return pipeline.Fail(fmt.Errorf("order %s in unexpected status %q", order.URL, order.Status))
		}

		if !time.Now().Before(deadline) {
			return pipeline.Retry(fmt.Errorf("%w: after %s", ErrFinalizeTimeout, s.pollTimeout))
		}

		select {
		case <-ctx.Done():
			return pipeline.Retry(ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Steps) persistIssued(ctx context.Context, sess AccountSession, cert *broker.Certificate, order *Order) pipeline.Result {
	bundle, err := sess.CertificateChain(ctx, order.CertificateURL)
	if err != nil {
		return pipeline.Retry(err)
	}

	leaf, chain, notAfter, err := SplitBundle(bundle)
	if err != nil {
		return pipeline.Fail(err)
	}

	cert.LeafPEM = leaf
	cert.FullChainPEM = chain
	cert.ExpiresAt = &notAfter
	cert.Order = order.Raw
	if err := s.store.SaveCertificate(ctx, cert); err != nil {
		return pipeline.Retry(err)
	}

	s.logger.InfoContext(ctx, "certificate issued",
		logger.InstanceID(cert.InstanceID),
		slog.Time("expires_at", notAfter))

	return pipeline.Proceed()
}

// cleanupIssuance deletes the in-flight certificate and its challenges and
// clears the instance's new-certificate slot.
func (s *Steps) cleanupIssuance(ctx context.Context, instance *broker.ServiceInstance, cert *broker.Certificate) error {
	if err := s.store.DeleteCertificate(ctx, cert.ID); err != nil {
		return err
	}
	instance.NewCertificateID = nil
	return s.store.SaveInstance(ctx, instance)
}

// inflight loads the instance's in-flight certificate. A nil certificate
// return carries the Result the step should propagate.
func (s *Steps) inflight(ctx context.Context, instance *broker.ServiceInstance) (*broker.Certificate, pipeline.Result) {
	if instance.NewCertificateID == nil {
		return nil, pipeline.Fail(fmt.Errorf("%w: instance %s", ErrNoIssuanceInFlight, instance.ID))
	}

	cert, err := s.store.GetCertificate(ctx, *instance.NewCertificateID)
	if err != nil {
		if errors.Is(err, broker.ErrCertificateNotFound) {
			return nil, pipeline.Fail(fmt.Errorf("%w: instance %s", ErrNoIssuanceInFlight, instance.ID))
		}
		return nil, pipeline.Retry(err)
	}

	return cert, pipeline.Result{}
}

func (s *Steps) session(ctx context.Context, instanceID string) (AccountSession, error) {
	account, err := s.store.GetAccount(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load acme account: %w", err)
	}

	key, err := certcrypto.ParsePEMPrivateKey(account.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse account key: %w", err)
	}

	return s.ca.Session(ctx, key, account.RegistrationURI)
}

func csrFromPEM(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored CSR")
	}
	return block.Bytes, nil
}

// challengeURL extracts the challenge URL from the persisted body.
func challengeURL(body []byte) string {
	var ch struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &ch); err != nil {
		return ""
	}
	return ch.URL
}
