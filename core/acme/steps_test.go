package acme_test

import (
	"context"
	"crypto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/acme"
	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
)

// fakeSession simulates the CA side of the order lifecycle, recording every
// side-effecting call so idempotency can be asserted by call count.
type fakeSession struct {
	newOrderCalls int
	getOrderCalls int
	finalizeCalls int
	submitted     []string

	domains   []string
	statusSeq []string
	statusIdx int
	chain     []byte

	// valid marks challenge URLs the CA already reports valid.
	valid map[string]bool
}

func (f *fakeSession) currentOrder() *acme.Order {
	status := acme.StatusPending
	if len(f.statusSeq) > 0 {
		i := f.statusIdx
		if i >= len(f.statusSeq) {
			i = len(f.statusSeq) - 1
		}
		status = f.statusSeq[i]
	}

	authz := make([]string, 0, len(f.domains))
	for _, d := range f.domains {
		authz = append(authz, "https://ca/authz/"+d)
	}

	order := &acme.Order{
		URL:         "https://ca/order/1",
		Status:      status,
		FinalizeURL: "https://ca/order/1/finalize",
		AuthzURLs:   authz,
		Raw:         []byte(`{"status":"` + status + `"}`),
	}
	if status == acme.StatusValid {
		order.CertificateURL = "https://ca/cert/1"
	}
	if status == acme.StatusInvalid {
		order.Problem = "dns-01 validation failed for example.com"
	}
	return order
}

func (f *fakeSession) NewOrder(ctx context.Context, domains []string) (*acme.Order, error) {
	f.newOrderCalls++
	f.domains = domains
	return f.currentOrder(), nil
}

func (f *fakeSession) GetOrder(ctx context.Context, orderURL string) (*acme.Order, error) {
	f.getOrderCalls++
	order := f.currentOrder()
	if f.statusIdx < len(f.statusSeq) {
		f.statusIdx++
	}
	return order, nil
}

func (f *fakeSession) DNSChallenges(ctx context.Context, order *acme.Order) ([]acme.DNSChallenge, error) {
	out := make([]acme.DNSChallenge, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, acme.DNSChallenge{
			Domain:             d,
			URL:                "https://ca/chall/" + d,
			ValidationDomain:   "_acme-challenge." + d + ".",
			ValidationContents: "token-" + d,
			Body:               []byte(`{"url":"https://ca/chall/` + d + `"}`),
		})
	}
	return out, nil
}

func (f *fakeSession) AnswerChallenge(ctx context.Context, ch *acme.DNSChallenge) (bool, error) {
	if f.valid[ch.URL] {
		return true, nil
	}
	f.submitted = append(f.submitted, ch.URL)
	return true, nil
}

func (f *fakeSession) Finalize(ctx context.Context, order *acme.Order, csrDER []byte) (*acme.Order, error) {
	f.finalizeCalls++
	return f.currentOrder(), nil
}

func (f *fakeSession) CertificateChain(ctx context.Context, certificateURL string) ([]byte, error) {
	return f.chain, nil
}

type fakeCA struct {
	registerCalls int
	session       *fakeSession
}

func (f *fakeCA) Register(ctx context.Context, key crypto.PrivateKey, email string) (*acme.Account, error) {
	f.registerCalls++
	return &acme.Account{URI: "https://ca/acct/1", Registration: []byte(`{"status":"valid"}`)}, nil
}

func (f *fakeCA) Session(ctx context.Context, key crypto.PrivateKey, registrationURI string) (acme.AccountSession, error) {
	return f.session, nil
}

type stepsFixture struct {
	store    *broker.MemoryStore
	ca       *fakeCA
	steps    *acme.Steps
	op       *broker.Operation
	instance *broker.ServiceInstance
}

func newStepsFixture(t *testing.T, domains ...string) *stepsFixture {
	t.Helper()
	ctx := context.Background()

	store := broker.NewMemoryStore()
	ca := &fakeCA{session: &fakeSession{valid: map[string]bool{}}}

	steps, err := acme.NewSteps(store, ca, acme.Config{
		Email:            "ops@example.com",
		PropagationDelay: time.Millisecond,
		PollInterval:     time.Millisecond,
		PollTimeout:      100 * time.Millisecond,
	})
	require.NoError(t, err)

	instance := &broker.ServiceInstance{
		ID:          "instance-1",
		Type:        broker.InstanceTypeCDN,
		DomainNames: domains,
	}
	require.NoError(t, store.CreateInstance(ctx, instance))

	op := &broker.Operation{
		InstanceID: instance.ID,
		Action:     broker.ActionProvision,
		State:      broker.OperationInProgress,
	}
	require.NoError(t, store.CreateOperation(ctx, op))

	return &stepsFixture{store: store, ca: ca, steps: steps, op: op, instance: instance}
}

// runThroughInitiate executes create_user, generate_private_key, and
// initiate_challenges, asserting each proceeds.
func (f *stepsFixture) runThroughInitiate(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for _, step := range []pipeline.Step{
		f.steps.CreateUser(),
		f.steps.GeneratePrivateKey(),
		f.steps.InitiateChallenges(),
	} {
		res := step.Execute(ctx, f.op, f.instance)
		require.Equal(t, pipeline.OutcomeContinue, res.Outcome,
			"step %s: %v", step.Name(), res.Err)
	}
}

func TestCreateUser_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com")
	step := f.steps.CreateUser()

	res := step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)

	account, err := f.store.GetAccount(ctx, f.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://ca/acct/1", account.RegistrationURI)
	assert.NotEmpty(t, account.PrivateKeyPEM)

	// Crash-and-retry: the second invocation must not register again.
	res = step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	assert.Equal(t, 1, f.ca.registerCalls)
}

func TestGeneratePrivateKey_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com", "foo.com")
	step := f.steps.GeneratePrivateKey()

	res := step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	require.NotNil(t, f.instance.NewCertificateID)

	cert, err := f.store.GetCertificate(ctx, *f.instance.NewCertificateID)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "foo.com"}, cert.SubjectAlternativeNames)
	assert.NotEmpty(t, cert.PrivateKeyPEM)
	assert.Contains(t, string(cert.CSRPEM), "CERTIFICATE REQUEST")

	firstID := *f.instance.NewCertificateID
	res = step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	assert.Equal(t, firstID, *f.instance.NewCertificateID)

	again, err := f.store.GetCertificate(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, cert.CSRPEM, again.CSRPEM)
}

func TestInitiateChallenges_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com", "foo.com")
	f.runThroughInitiate(t)

	assert.Equal(t, 1, f.ca.session.newOrderCalls)

	cert, err := f.store.GetCertificate(ctx, *f.instance.NewCertificateID)
	require.NoError(t, err)
	assert.Equal(t, "https://ca/order/1", cert.OrderURL)
	assert.NotEmpty(t, cert.Order)

	challenges, err := f.store.ListChallenges(ctx, cert.ID)
	require.NoError(t, err)
	require.Len(t, challenges, 2)
	assert.Equal(t, "_acme-challenge.example.com.", challenges[0].ValidationDomain)
	assert.Equal(t, "token-example.com", challenges[0].ValidationContents)

	// Re-running must not create a second order or duplicate challenges.
	res := f.steps.InitiateChallenges().Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	assert.Equal(t, 1, f.ca.session.newOrderCalls)

	challenges, err = f.store.ListChallenges(ctx, cert.ID)
	require.NoError(t, err)
	assert.Len(t, challenges, 2)
}

func TestAnswerChallenges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com", "foo.com")
	f.runThroughInitiate(t)

	// The CA already validated example.com in a prior partial run.
	f.ca.session.valid["https://ca/chall/example.com"] = true

	step := f.steps.AnswerChallenges()
	res := step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)

	// Only foo.com was actually submitted.
	assert.Equal(t, []string{"https://ca/chall/foo.com"}, f.ca.session.submitted)

	challenges, err := f.store.ListChallenges(ctx, *f.instance.NewCertificateID)
	require.NoError(t, err)
	for _, ch := range challenges {
		assert.True(t, ch.Answered, "challenge for %s not answered", ch.Domain)
	}

	// All answered: the re-run submits nothing.
	res = step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	assert.Len(t, f.ca.session.submitted, 1)
}

func TestRetrieveCertificate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	expiry := time.Now().Add(90 * 24 * time.Hour)

	f := newStepsFixture(t, "example.com")
	f.runThroughInitiate(t)

	f.ca.session.statusSeq = []string{acme.StatusReady, acme.StatusValid}
	f.ca.session.chain = append(
		testCertPEM(t, "example.com", expiry),
		testCertPEM(t, "Test Intermediate CA", expiry.Add(time.Hour))...)

	step := f.steps.RetrieveCertificate()
	res := step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome, "retrieve failed: %v", res.Err)
	assert.Equal(t, 1, f.ca.session.finalizeCalls)

	cert, err := f.store.GetCertificate(ctx, *f.instance.NewCertificateID)
	require.NoError(t, err)
	assert.True(t, cert.Issued())
	assert.NotEmpty(t, cert.FullChainPEM)
	require.NotNil(t, cert.ExpiresAt)
	assert.WithinDuration(t, expiry, *cert.ExpiresAt, time.Second)

	// Leaf already set: the re-run never touches the CA again.
	before := f.ca.session.getOrderCalls
	res = step.Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeContinue, res.Outcome)
	assert.Equal(t, before, f.ca.session.getOrderCalls)
}

func TestRetrieveCertificate_ValidationFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com")
	f.runThroughInitiate(t)
	certID := *f.instance.NewCertificateID

	f.ca.session.statusSeq = []string{acme.StatusInvalid}

	res := f.steps.RetrieveCertificate().Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, acme.ErrValidationFailed)

	// Clean slate: certificate and challenges are gone, slot cleared.
	_, err := f.store.GetCertificate(ctx, certID)
	assert.ErrorIs(t, err, broker.ErrCertificateNotFound)
	assert.Nil(t, f.instance.NewCertificateID)

	challenges, err := f.store.ListChallenges(ctx, certID)
	require.NoError(t, err)
	assert.Empty(t, challenges)
}

func TestRetrieveCertificate_Timeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com")
	f.runThroughInitiate(t)

	f.ca.session.statusSeq = []string{acme.StatusProcessing}

	res := f.steps.RetrieveCertificate().Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeRetry, res.Outcome)
	assert.ErrorIs(t, res.Err, acme.ErrFinalizeTimeout)
	assert.NotErrorIs(t, res.Err, acme.ErrValidationFailed)
}

func TestSteps_RequiresInflightCertificate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newStepsFixture(t, "example.com")
	require.Equal(t, pipeline.OutcomeContinue, f.steps.CreateUser().Execute(ctx, f.op, f.instance).Outcome)

	res := f.steps.InitiateChallenges().Execute(ctx, f.op, f.instance)
	require.Equal(t, pipeline.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, acme.ErrNoIssuanceInFlight)
}
