package broker

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for tests and local development.
// Production deployments use the postgres implementation; the two share
// the same row semantics (last writer wins, copies on read).
type MemoryStore struct {
	mu sync.RWMutex

	operations   map[int64]*Operation
	instances    map[string]*ServiceInstance
	certificates map[int64]*Certificate
	challenges   map[int64]*Challenge
	accounts     map[string]*ACMEAccount

	nextOperationID   int64
	nextCertificateID int64
	nextChallengeID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operations:   make(map[int64]*Operation),
		instances:    make(map[string]*ServiceInstance),
		certificates: make(map[int64]*Certificate),
		challenges:   make(map[int64]*Challenge),
		accounts:     make(map[string]*ACMEAccount),
	}
}

var _ Store = (*MemoryStore)(nil)

func (ms *MemoryStore) CreateOperation(ctx context.Context, op *Operation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.nextOperationID++
	op.ID = ms.nextOperationID
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now

	stored := *op
	ms.operations[op.ID] = &stored
	return nil
}

func (ms *MemoryStore) GetOperation(ctx context.Context, id int64) (*Operation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	op, ok := ms.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (ms *MemoryStore) SaveOperation(ctx context.Context, op *Operation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.operations[op.ID]; !ok {
		return ErrOperationNotFound
	}
	op.UpdatedAt = time.Now()
	stored := *op
	ms.operations[op.ID] = &stored
	return nil
}

func (ms *MemoryStore) ListStaleOperations(ctx context.Context, olderThan time.Time) ([]*Operation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stale []*Operation
	for _, op := range ms.operations {
		if op.State == OperationInProgress && !op.Canceled() && op.UpdatedAt.Before(olderThan) {
			cp := *op
			stale = append(stale, &cp)
		}
	}
	slices.SortFunc(stale, func(a, b *Operation) int { return int(a.ID - b.ID) })
	return stale, nil
}

func (ms *MemoryStore) ListActiveOperations(ctx context.Context, instanceID string) ([]*Operation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var active []*Operation
	for _, op := range ms.operations {
		if op.InstanceID == instanceID && op.Active() {
			cp := *op
			active = append(active, &cp)
		}
	}
	slices.SortFunc(active, func(a, b *Operation) int { return int(a.ID - b.ID) })
	return active, nil
}

func (ms *MemoryStore) CreateInstance(ctx context.Context, instance *ServiceInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.instances[instance.ID]; ok {
		return ErrDuplicateInstance
	}
	for _, existing := range ms.instances {
		if existing.Deactivated() {
			continue
		}
		for _, domain := range instance.DomainNames {
			if existing.HasDomain(domain) {
				return ErrDuplicateDomain
			}
		}
	}

	now := time.Now()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	stored := *instance
	stored.DomainNames = slices.Clone(instance.DomainNames)
	ms.instances[instance.ID] = &stored
	return nil
}

func (ms *MemoryStore) GetInstance(ctx context.Context, id string) (*ServiceInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	instance, ok := ms.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *instance
	cp.DomainNames = slices.Clone(instance.DomainNames)
	return &cp, nil
}

func (ms *MemoryStore) SaveInstance(ctx context.Context, instance *ServiceInstance) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.instances[instance.ID]; !ok {
		return ErrInstanceNotFound
	}
	instance.UpdatedAt = time.Now()
	stored := *instance
	stored.DomainNames = slices.Clone(instance.DomainNames)
	ms.instances[instance.ID] = &stored
	return nil
}

func (ms *MemoryStore) ListInstancesWithExpiringCertificates(ctx context.Context, before time.Time) ([]*ServiceInstance, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var expiring []*ServiceInstance
	for _, instance := range ms.instances {
		if instance.Deactivated() || instance.CurrentCertificateID == nil {
			continue
		}
		cert, ok := ms.certificates[*instance.CurrentCertificateID]
		if !ok || cert.ExpiresAt == nil {
			continue
		}
		if cert.ExpiresAt.Before(before) {
			cp := *instance
			cp.DomainNames = slices.Clone(instance.DomainNames)
			expiring = append(expiring, &cp)
		}
	}
	slices.SortFunc(expiring, func(a, b *ServiceInstance) int {
		return slices.Compare([]string{a.ID}, []string{b.ID})
	})
	return expiring, nil
}

func (ms *MemoryStore) CreateCertificate(ctx context.Context, cert *Certificate) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.nextCertificateID++
	cert.ID = ms.nextCertificateID
	now := time.Now()
	cert.CreatedAt = now
	cert.UpdatedAt = now

	stored := *cert
	stored.SubjectAlternativeNames = slices.Clone(cert.SubjectAlternativeNames)
	ms.certificates[cert.ID] = &stored
	return nil
}

func (ms *MemoryStore) GetCertificate(ctx context.Context, id int64) (*Certificate, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	cert, ok := ms.certificates[id]
	if !ok {
		return nil, ErrCertificateNotFound
	}
	cp := *cert
	cp.SubjectAlternativeNames = slices.Clone(cert.SubjectAlternativeNames)
	return &cp, nil
}

func (ms *MemoryStore) SaveCertificate(ctx context.Context, cert *Certificate) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.certificates[cert.ID]; !ok {
		return ErrCertificateNotFound
	}
	cert.UpdatedAt = time.Now()
	stored := *cert
	stored.SubjectAlternativeNames = slices.Clone(cert.SubjectAlternativeNames)
	ms.certificates[cert.ID] = &stored
	return nil
}

func (ms *MemoryStore) DeleteCertificate(ctx context.Context, id int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.certificates, id)
	for chID, ch := range ms.challenges {
		if ch.CertificateID == id {
			delete(ms.challenges, chID)
		}
	}
	return nil
}

func (ms *MemoryStore) CreateChallenges(ctx context.Context, challenges []*Challenge) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for _, ch := range challenges {
		ms.nextChallengeID++
		ch.ID = ms.nextChallengeID
		ch.CreatedAt = now
		stored := *ch
		ms.challenges[ch.ID] = &stored
	}
	return nil
}

func (ms *MemoryStore) ListChallenges(ctx context.Context, certificateID int64) ([]*Challenge, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*Challenge
	for _, ch := range ms.challenges {
		if ch.CertificateID == certificateID {
			cp := *ch
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Challenge) int { return int(a.ID - b.ID) })
	return out, nil
}

func (ms *MemoryStore) SaveChallenge(ctx context.Context, challenge *Challenge) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.challenges[challenge.ID]; !ok {
		return ErrCertificateNotFound
	}
	stored := *challenge
	ms.challenges[challenge.ID] = &stored
	return nil
}

func (ms *MemoryStore) GetAccount(ctx context.Context, instanceID string) (*ACMEAccount, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	account, ok := ms.accounts[instanceID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (ms *MemoryStore) CreateAccount(ctx context.Context, account *ACMEAccount) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.accounts[account.InstanceID]; ok {
		// Create-once semantics: the register step checks first, but a
		// concurrent duplicate is absorbed rather than surfaced.
		return nil
	}
	account.CreatedAt = time.Now()
	stored := *account
	ms.accounts[account.InstanceID] = &stored
	return nil
}
