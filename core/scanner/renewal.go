package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/logger"
	"github.com/dmitrymomot/domainbroker/core/queue"
)

// RenewalTaskName is the periodic task name for the daily renewal scan.
const RenewalTaskName = "renewal-scan"

// ChainStarter begins a fresh lifecycle chain for an operation.
type ChainStarter interface {
	StartChain(ctx context.Context, operationID int64) error
}

// RenewalStore is the persistence surface the renewal scanner needs.
type RenewalStore interface {
	broker.OperationStore
	broker.InstanceStore
}

// Renewal starts renew operations for instances whose current certificate
// expires inside the renewal window. Instances with any active operation are
// left alone; at most one chain progresses per instance.
type Renewal struct {
	store   RenewalStore
	runner  ChainStarter
	window  time.Duration
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// RenewalOption is a functional option for configuring the renewal scanner.
type RenewalOption func(*Renewal)

// WithRenewalLocker enables leader election for the renewal scan.
func WithRenewalLocker(l Locker) RenewalOption {
	return func(r *Renewal) {
		r.locker = l
	}
}

// WithRenewalLogger configures structured logging for the renewal scanner.
func WithRenewalLogger(log *slog.Logger) RenewalOption {
	return func(r *Renewal) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewRenewal creates the renewal scanner from configuration.
func NewRenewal(store RenewalStore, runner ChainStarter, cfg Config, opts ...RenewalOption) (*Renewal, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if runner == nil {
		return nil, ErrRunnerNil
	}

	r := &Renewal{
		store:   store,
		runner:  runner,
		window:  cfg.RenewalWindow,
		lockTTL: cfg.LockTTL,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if r.window <= 0 {
		r.window = 30 * 24 * time.Hour
	}
	if r.lockTTL <= 0 {
		r.lockTTL = 10 * time.Minute
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Handler returns the periodic task handler to register on the worker.
func (r *Renewal) Handler() queue.Handler {
	return queue.NewPeriodicTaskHandler(RenewalTaskName, r.Scan)
}

// Scan creates and starts one renew operation per expiring, idle instance.
func (r *Renewal) Scan(ctx context.Context) error {
	if r.locker != nil {
		held, err := r.locker.TryLock(ctx, "domainbroker:scan:"+RenewalTaskName, r.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire renewal scan lock: %w", err)
		}
		if !held {
			r.logger.DebugContext(ctx, "renewal scan skipped, another process holds the lock")
			return nil
		}
	}

	before := timeNow().Add(r.window)
	expiring, err := r.store.ListInstancesWithExpiringCertificates(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to list expiring instances: %w", err)
	}

	var errs []error
	for _, instance := range expiring {
		active, err := r.store.ListActiveOperations(ctx, instance.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", instance.ID, err))
			continue
		}
		if len(active) > 0 {
			r.logger.DebugContext(ctx, "renewal deferred, instance has an active operation",
				logger.InstanceID(instance.ID),
				logger.OperationID(active[0].ID))
			continue
		}

		op := &broker.Operation{
			InstanceID: instance.ID,
			Action:     broker.ActionRenew,
			State:      broker.OperationInProgress,
		}
		if err := r.store.CreateOperation(ctx, op); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", instance.ID, err))
			continue
		}

		if err := r.runner.StartChain(ctx, op.ID); err != nil {
			errs = append(errs, fmt.Errorf("operation %d: %w", op.ID, err))
			continue
		}

		r.logger.InfoContext(ctx, "started renewal",
			logger.InstanceID(instance.ID),
			logger.OperationID(op.ID))
	}

	return errors.Join(errs...)
}
