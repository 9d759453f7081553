package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/integration/database/pg"
)

// Store is the Postgres persistence backend for the broker core. All write
// methods join a caller's transaction when the context carries one via
// pg.WithTx, which is how operations and their first chain task commit
// atomically.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres-backed broker store.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolNil
	}
	return &Store{pool: pool}, nil
}

func (s *Store) db(ctx context.Context) dbtx {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

const operationColumns = `id, instance_id, action, state, step_description, canceled_at, created_at, updated_at`

func scanOperation(row pgx.Row) (*broker.Operation, error) {
	var op broker.Operation
	err := row.Scan(&op.ID, &op.InstanceID, &op.Action, &op.State, &op.StepDescription,
		&op.CanceledAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) CreateOperation(ctx context.Context, op *broker.Operation) error {
	err := s.db(ctx).QueryRow(ctx, `
		INSERT INTO operations (instance_id, action, state, step_description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		op.InstanceID, op.Action, op.State, op.StepDescription,
	).Scan(&op.ID, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create operation for instance %s: %w", op.InstanceID, err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id int64) (*broker.Operation, error) {
	row := s.db(ctx).QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)

	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, broker.ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get operation %d: %w", id, err)
	}
	return op, nil
}

func (s *Store) SaveOperation(ctx context.Context, op *broker.Operation) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE operations SET
			state = $2,
			step_description = $3,
			canceled_at = $4,
			updated_at = now()
		WHERE id = $1`,
		op.ID, op.State, op.StepDescription, op.CanceledAt)
	if err != nil {
		return fmt.Errorf("failed to save operation %d: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return broker.ErrOperationNotFound
	}
	return nil
}

func (s *Store) ListStaleOperations(ctx context.Context, olderThan time.Time) ([]*broker.Operation, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE state = 'in_progress' AND canceled_at IS NULL AND updated_at < $1
		ORDER BY updated_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale operations: %w", err)
	}
	return collectOperations(rows)
}

func (s *Store) ListActiveOperations(ctx context.Context, instanceID string) ([]*broker.Operation, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE instance_id = $1 AND state = 'in_progress' AND canceled_at IS NULL
		ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active operations for %s: %w", instanceID, err)
	}
	return collectOperations(rows)
}

func collectOperations(rows pgx.Rows) ([]*broker.Operation, error) {
	defer rows.Close()

	var ops []*broker.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

const instanceColumns = `id, type, domain_names, current_certificate_id, new_certificate_id,
	distribution_id, distribution_domain, distribution_arn, listener_arn, load_balancer_dns_name,
	web_acl_arn, origin_domain, alias_change_id, deactivated_at, created_at, updated_at`

func scanInstance(row pgx.Row) (*broker.ServiceInstance, error) {
	var si broker.ServiceInstance
	err := row.Scan(&si.ID, &si.Type, &si.DomainNames, &si.CurrentCertificateID, &si.NewCertificateID,
		&si.DistributionID, &si.DistributionDomain, &si.DistributionARN, &si.ListenerARN,
		&si.LoadBalancerDNSName, &si.WebACLARN, &si.OriginDomain, &si.AliasChangeID,
		&si.DeactivatedAt, &si.CreatedAt, &si.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &si, nil
}

// CreateInstance persists a new instance. Domain uniqueness across active
// instances cannot be a column constraint on an array, so it is checked with
// an overlap query inside the same transaction as the insert.
func (s *Store) CreateInstance(ctx context.Context, instance *broker.ServiceInstance) error {
	db := s.db(ctx)

	var clash bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM service_instances
			WHERE deactivated_at IS NULL AND domain_names && $1
		)`, instance.DomainNames).Scan(&clash)
	if err != nil {
		return fmt.Errorf("failed to check domain uniqueness: %w", err)
	}
	if clash {
		return broker.ErrDuplicateDomain
	}

	err = db.QueryRow(ctx, `
		INSERT INTO service_instances (
			id, type, domain_names, current_certificate_id, new_certificate_id,
			distribution_id, distribution_domain, distribution_arn, listener_arn,
			load_balancer_dns_name, web_acl_arn, origin_domain, alias_change_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		instance.ID, instance.Type, instance.DomainNames,
		instance.CurrentCertificateID, instance.NewCertificateID,
		instance.DistributionID, instance.DistributionDomain, instance.DistributionARN,
		instance.ListenerARN, instance.LoadBalancerDNSName, instance.WebACLARN,
		instance.OriginDomain, instance.AliasChangeID,
	).Scan(&instance.CreatedAt, &instance.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return broker.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to create instance %s: %w", instance.ID, err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*broker.ServiceInstance, error) {
	row := s.db(ctx).QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM service_instances WHERE id = $1`, id)

	si, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, broker.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	return si, nil
}

func (s *Store) SaveInstance(ctx context.Context, instance *broker.ServiceInstance) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE service_instances SET
			type = $2,
			domain_names = $3,
			current_certificate_id = $4,
			new_certificate_id = $5,
			distribution_id = $6,
			distribution_domain = $7,
			distribution_arn = $8,
			listener_arn = $9,
			load_balancer_dns_name = $10,
			web_acl_arn = $11,
			origin_domain = $12,
			alias_change_id = $13,
			deactivated_at = $14,
			updated_at = now()
		WHERE id = $1`,
		instance.ID, instance.Type, instance.DomainNames,
		instance.CurrentCertificateID, instance.NewCertificateID,
		instance.DistributionID, instance.DistributionDomain, instance.DistributionARN,
		instance.ListenerARN, instance.LoadBalancerDNSName, instance.WebACLARN,
		instance.OriginDomain, instance.AliasChangeID, instance.DeactivatedAt)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return broker.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) ListInstancesWithExpiringCertificates(ctx context.Context, before time.Time) ([]*broker.ServiceInstance, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT si.id, si.type, si.domain_names, si.current_certificate_id, si.new_certificate_id,
			si.distribution_id, si.distribution_domain, si.distribution_arn, si.listener_arn,
			si.load_balancer_dns_name, si.web_acl_arn, si.origin_domain, si.alias_change_id,
			si.deactivated_at, si.created_at, si.updated_at
		FROM service_instances si
		JOIN certificates c ON c.id = si.current_certificate_id
		WHERE si.deactivated_at IS NULL AND c.expires_at < $1
		ORDER BY c.expires_at`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances with expiring certificates: %w", err)
	}
	defer rows.Close()

	var instances []*broker.ServiceInstance
	for rows.Next() {
		si, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, si)
	}
	return instances, rows.Err()
}

const certificateColumns = `id, instance_id, subject_alternative_names, private_key_pem, csr_pem,
	order_url, order_body, dns_change_id, leaf_pem, full_chain_pem, expires_at,
	server_certificate_name, server_certificate_id, server_certificate_arn, created_at, updated_at`

func scanCertificate(row pgx.Row) (*broker.Certificate, error) {
	var c broker.Certificate
	err := row.Scan(&c.ID, &c.InstanceID, &c.SubjectAlternativeNames, &c.PrivateKeyPEM, &c.CSRPEM,
		&c.OrderURL, &c.Order, &c.DNSChangeID, &c.LeafPEM, &c.FullChainPEM, &c.ExpiresAt,
		&c.ServerCertificateName, &c.ServerCertificateID, &c.ServerCertificateARN,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCertificate(ctx context.Context, cert *broker.Certificate) error {
	err := s.db(ctx).QueryRow(ctx, `
		INSERT INTO certificates (instance_id, subject_alternative_names, private_key_pem, csr_pem)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		cert.InstanceID, cert.SubjectAlternativeNames, cert.PrivateKeyPEM, cert.CSRPEM,
	).Scan(&cert.ID, &cert.CreatedAt, &cert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create certificate for instance %s: %w", cert.InstanceID, err)
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id int64) (*broker.Certificate, error) {
	row := s.db(ctx).QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id)

	cert, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, broker.ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to get certificate %d: %w", id, err)
	}
	return cert, nil
}

func (s *Store) SaveCertificate(ctx context.Context, cert *broker.Certificate) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE certificates SET
			subject_alternative_names = $2,
			private_key_pem = $3,
			csr_pem = $4,
			order_url = $5,
			order_body = $6,
			dns_change_id = $7,
			leaf_pem = $8,
			full_chain_pem = $9,
			expires_at = $10,
			server_certificate_name = $11,
			server_certificate_id = $12,
			server_certificate_arn = $13,
			updated_at = now()
		WHERE id = $1`,
		cert.ID, cert.SubjectAlternativeNames, cert.PrivateKeyPEM, cert.CSRPEM,
		cert.OrderURL, cert.Order, cert.DNSChangeID, cert.LeafPEM, cert.FullChainPEM,
		cert.ExpiresAt, cert.ServerCertificateName, cert.ServerCertificateID,
		cert.ServerCertificateARN)
	if err != nil {
		return fmt.Errorf("failed to save certificate %d: %w", cert.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return broker.ErrCertificateNotFound
	}
	return nil
}

// DeleteCertificate removes the certificate row; its challenges go with it
// through the ON DELETE CASCADE on challenges.certificate_id.
func (s *Store) DeleteCertificate(ctx context.Context, id int64) error {
	_, err := s.db(ctx).Exec(ctx, `DELETE FROM certificates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete certificate %d: %w", id, err)
	}
	return nil
}

func (s *Store) CreateChallenges(ctx context.Context, challenges []*broker.Challenge) error {
	db := s.db(ctx)
	for _, ch := range challenges {
		err := db.QueryRow(ctx, `
			INSERT INTO challenges (certificate_id, domain, validation_domain, validation_contents, body, answered)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			ch.CertificateID, ch.Domain, ch.ValidationDomain, ch.ValidationContents,
			ch.Body, ch.Answered,
		).Scan(&ch.ID, &ch.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create challenge for %s: %w", ch.Domain, err)
		}
	}
	return nil
}

func (s *Store) ListChallenges(ctx context.Context, certificateID int64) ([]*broker.Challenge, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, certificate_id, domain, validation_domain, validation_contents, body, answered, created_at
		FROM challenges
		WHERE certificate_id = $1
		ORDER BY id`, certificateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges for certificate %d: %w", certificateID, err)
	}
	defer rows.Close()

	var challenges []*broker.Challenge
	for rows.Next() {
		var ch broker.Challenge
		if err := rows.Scan(&ch.ID, &ch.CertificateID, &ch.Domain, &ch.ValidationDomain,
			&ch.ValidationContents, &ch.Body, &ch.Answered, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, &ch)
	}
	return challenges, rows.Err()
}

func (s *Store) SaveChallenge(ctx context.Context, challenge *broker.Challenge) error {
	_, err := s.db(ctx).Exec(ctx, `
		UPDATE challenges SET body = $2, answered = $3 WHERE id = $1`,
		challenge.ID, challenge.Body, challenge.Answered)
	if err != nil {
		return fmt.Errorf("failed to save challenge %d: %w", challenge.ID, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, instanceID string) (*broker.ACMEAccount, error) {
	var acc broker.ACMEAccount
	err := s.db(ctx).QueryRow(ctx, `
		SELECT instance_id, email, private_key_pem, registration_uri, registration, created_at
		FROM acme_accounts
		WHERE instance_id = $1`, instanceID,
	).Scan(&acc.InstanceID, &acc.Email, &acc.PrivateKeyPEM, &acc.RegistrationURI,
		&acc.Registration, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, broker.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account for instance %s: %w", instanceID, err)
	}
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *broker.ACMEAccount) error {
	err := s.db(ctx).QueryRow(ctx, `
		INSERT INTO acme_accounts (instance_id, email, private_key_pem, registration_uri, registration)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		account.InstanceID, account.Email, account.PrivateKeyPEM,
		account.RegistrationURI, account.Registration,
	).Scan(&account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account for instance %s: %w", account.InstanceID, err)
	}
	return nil
}

var _ broker.Store = (*Store)(nil)
