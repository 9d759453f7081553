package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/logger"
	"github.com/dmitrymomot/domainbroker/core/queue"
)

var timeNow = time.Now

// RecoveryTaskName is the periodic task name the scheduler and worker agree
// on for the recovery scan.
const RecoveryTaskName = "operation-recovery-scan"

// ChainResumer restarts a lifecycle chain from its first step. Steps are
// idempotent, so resuming a partially completed chain is safe.
type ChainResumer interface {
	Resume(ctx context.Context, operationID int64, correlationID uuid.UUID) error
}

// Locker is the leader election seam: with multiple broker processes, only
// the one that acquires the lock runs a given scan.
type Locker interface {
	// TryLock acquires the named lock for the given TTL, returning false
	// without error when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Recovery is the safety net for lost chains: any in-progress operation whose
// chain stopped progressing gets its pipeline re-enqueued from the start
// under a fresh correlation id.
type Recovery struct {
	store     broker.OperationStore
	runner    ChainResumer
	staleness time.Duration
	locker    Locker
	lockTTL   time.Duration
	logger    *slog.Logger
}

// RecoveryOption is a functional option for configuring the recovery scanner.
type RecoveryOption func(*Recovery)

// WithRecoveryLocker enables leader election for the recovery scan.
func WithRecoveryLocker(l Locker) RecoveryOption {
	return func(r *Recovery) {
		r.locker = l
	}
}

// WithRecoveryLogger configures structured logging for the recovery scanner.
func WithRecoveryLogger(log *slog.Logger) RecoveryOption {
	return func(r *Recovery) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewRecovery creates the recovery scanner from configuration.
func NewRecovery(store broker.OperationStore, runner ChainResumer, cfg Config, opts ...RecoveryOption) (*Recovery, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if runner == nil {
		return nil, ErrRunnerNil
	}

	r := &Recovery{
		store:     store,
		runner:    runner,
		staleness: cfg.Staleness,
		lockTTL:   cfg.LockTTL,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if r.staleness <= 0 {
		r.staleness = 15 * time.Minute
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
func (r *Recovery) Handler() queue.Handler {
	return queue.NewPeriodicTaskHandler(RecoveryTaskName, r.Scan)
}

// Scan resumes every stale operation. Resume failures are collected rather
// than aborting the sweep, so one broken operation cannot shadow the rest.
func (r *Recovery) Scan(ctx context.Context) error {
	if r.locker != nil {
		held, err := r.locker.TryLock(ctx, "domainbroker:scan:"+RecoveryTaskName, r.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire recovery scan lock: %w", err)
		}
		if !held {
			r.logger.DebugContext(ctx, "recovery scan skipped, another process holds the lock")
			return nil
		}
	}

	cutoff := timeNow().Add(-r.staleness)
	stale, err := r.store.ListStaleOperations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale operations: %w", err)
	}

	var errs []error
	for _, op := range stale {
		// Fresh correlation id per resumption: the old chain's tasks are
		// lost or stuck, and the resumed chain must be traceable on its own.
		if err := r.runner.Resume(ctx, op.ID, uuid.New()); err != nil {
			r.logger.ErrorContext(ctx, "failed to resume stale operation",
				logger.OperationID(op.ID),
				slog.String("action", string(op.Action)),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("operation %d: %w", op.ID, err))
			continue
		}

		r.logger.InfoContext(ctx, "resumed stale operation",
			logger.OperationID(op.ID),
			slog.String("action", string(op.Action)),
			slog.Time("stale_since", op.UpdatedAt))
	}

	return errors.Join(errs...)
}
