package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/domainbroker/core/alert"
	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/logger"
	"github.com/dmitrymomot/domainbroker/core/queue"
)

// StepTask is the queue payload linking a chain together: completing step n
// enqueues the task for step n+1 with the same operation and correlation
// identifiers. OperationID comes first by convention; the failure hook relies
// on it to locate the operation from a raw payload.
type StepTask struct {
	OperationID   int64     `json:"operation_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	StepIndex     int       `json:"step_index"`
}

// Ledger is the persistence surface the runner needs: the operation ledger
// plus instance lookup for pipeline planning.
type Ledger interface {
	broker.OperationStore
	broker.InstanceStore
}

// Enqueuer abstracts task creation so tests can drain chains synchronously.
// *queue.Enqueuer is the production implementation.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Runner executes lifecycle chains step by step on top of the durable queue.
// It is the single place that does the per-step bookkeeping: cancellation
// check, step description persistence, outcome interpretation, and next-step
// enqueueing.
type Runner struct {
	ledger      Ledger
	builder     *Builder
	enqueuer    Enqueuer
	retryBudget int
	logger      *slog.Logger
}

// RunnerOption is a functional option for configuring a runner.
type RunnerOption func(*Runner)

// WithRetryBudget sets the retry budget applied to retriable steps.
func WithRetryBudget(n int) RunnerOption {
	return func(r *Runner) {
		if n >= 0 {
			r.retryBudget = n
		}
	}
}

// WithLogger configures structured logging for the runner.
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewRunner creates a chain runner.
func NewRunner(ledger Ledger, builder *Builder, enqueuer Enqueuer, opts ...RunnerOption) (*Runner, error) {
	if ledger == nil {
		return nil, ErrStoreNil
	}
	if builder == nil {
		return nil, ErrBuilderNil
	}
	if enqueuer == nil {
		return nil, ErrEnqueuerNil
	}

	r := &Runner{
		ledger:      ledger,
		builder:     builder,
		enqueuer:    enqueuer,
		retryBudget: 23,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Handler returns the queue handler executing chain steps. Register it on
// the worker once.
func (r *Runner) Handler() queue.Handler {
	return queue.NewTaskHandler(r.handle)
}

// StartChain enqueues the first step of the operation's pipeline under a
// fresh correlation id.
func (r *Runner) StartChain(ctx context.Context, operationID int64) error {
	return r.Resume(ctx, operationID, uuid.New())
}

// Resume enqueues the operation's pipeline from the beginning under the
// given correlation id. Steps are idempotent, so steps completed by a prior
// attempt are no-ops; the recovery scanner uses this with a synthetic
// correlation id.
func (r *Runner) Resume(ctx context.Context, operationID int64, correlationID uuid.UUID) error {
	if operationID == 0 {
		return ErrMissingOperationID
	}
	if correlationID == uuid.Nil {
		return ErrMissingCorrelationID
	}

	op, err := r.ledger.GetOperation(ctx, operationID)
	if err != nil {
		return fmt.Errorf("failed to load operation %d: %w", operationID, err)
	}

	instance, err := r.ledger.GetInstance(ctx, op.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", op.InstanceID, err)
	}

	steps, err := r.builder.Plan(op.Action, instance.Type)
	if err != nil {
		return err
	}

	return r.enqueueStep(ctx, steps, StepTask{
		OperationID:   operationID,
		CorrelationID: correlationID,
		StepIndex:     0,
	})
}

// enqueueStep creates the queue task for one step, fixing its retry budget
// at enqueue time from the step's retriability.
func (r *Runner) enqueueStep(ctx context.Context, steps []Step, task StepTask) error {
	if task.StepIndex < 0 || task.StepIndex >= len(steps) {
		return fmt.Errorf("%w: index %d of %d", ErrStepIndexOutOfRange, task.StepIndex, len(steps))
	}

	maxRetries := 0
	if steps[task.StepIndex].Retriable() {
		maxRetries = r.retryBudget
	}

	if err := r.enqueuer.Enqueue(ctx, task, queue.WithMaxRetries(maxRetries)); err != nil {
		return fmt.Errorf("failed to enqueue step %d of operation %d: %w", task.StepIndex, task.OperationID, err)
	}

	return nil
}

// handle executes one chain step. The returned error drives the queue's
// retry machinery: nil completes the task, a plain error consumes retry
// budget, an error wrapping queue.ErrPermanent fails the task immediately.
func (r *Runner) handle(ctx context.Context, task StepTask) error {
	if task.OperationID == 0 {
		return errors.Join(queue.ErrPermanent, ErrMissingOperationID)
	}
	if task.CorrelationID == uuid.Nil {
		return errors.Join(queue.ErrPermanent, ErrMissingCorrelationID)
	}

	log := r.logger.With(
		logger.OperationID(task.OperationID),
		logger.CorrelationID(task.CorrelationID))

	op, err := r.ledger.GetOperation(ctx, task.OperationID)
	if err != nil {
		if errors.Is(err, broker.ErrOperationNotFound) {
			return errors.Join(queue.ErrPermanent, err)
		}
		return fmt.Errorf("failed to load operation %d: %w", task.OperationID, err)
	}

	// Cooperative cancellation: a canceled chain is abandoned at the step
	// boundary without side effects and without marking the operation failed.
	if op.Canceled() {
		log.InfoContext(ctx, "chain abandoned, operation canceled")
		return nil
	}

	// A terminal operation has nothing left to do; duplicate delivery of an
	// old task must not resurrect it.
	if op.State != broker.OperationInProgress {
		log.InfoContext(ctx, "chain skipped, operation already terminal",
			slog.String("state", string(op.State)))
		return nil
	}

	instance, err := r.ledger.GetInstance(ctx, op.InstanceID)
	if err != nil {
		if errors.Is(err, broker.ErrInstanceNotFound) {
			return errors.Join(queue.ErrPermanent, err)
		}
		return fmt.Errorf("failed to load instance %s: %w", op.InstanceID, err)
	}

	steps, err := r.builder.Plan(op.Action, instance.Type)
	if err != nil {
		// Unknown pipeline is a configuration error; retrying cannot help.
		return errors.Join(queue.ErrPermanent, err)
	}

	if task.StepIndex < 0 || task.StepIndex >= len(steps) {
		return errors.Join(queue.ErrPermanent,
			fmt.Errorf("%w: index %d of %d", ErrStepIndexOutOfRange, task.StepIndex, len(steps)))
	}

	step := steps[task.StepIndex]
	log = log.With(logger.Step(step.Name()), logger.InstanceID(instance.ID))

	// Entry side effect: persist the step description immediately so a
	// poller observes progress even if the step later fails.
	op.StepDescription = step.Describe()
	if err := r.ledger.SaveOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to persist step description: %w", err)
	}

	res := step.Execute(ctx, op, instance)

	log.InfoContext(ctx, "step executed",
		slog.String("outcome", res.Outcome.String()),
		logger.Error(res.Err))

	switch res.Outcome {
	case OutcomeContinue:
		if task.StepIndex+1 >= len(steps) {
			return nil
		}
		return r.enqueueStep(ctx, steps, StepTask{
			OperationID:   task.OperationID,
			CorrelationID: task.CorrelationID,
			StepIndex:     task.StepIndex + 1,
		})

	case OutcomeAbort:
		return nil

	case OutcomeRetry:
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("step %s requested retry", step.Name())

	case OutcomeFatal:
		if res.Err != nil {
			return errors.Join(queue.ErrPermanent, res.Err)
		}
		return fmt.Errorf("%w: step %s failed", queue.ErrPermanent, step.Name())

	default:
		return errors.Join(queue.ErrPermanent,
			fmt.Errorf("step %s returned unknown outcome %d", step.Name(), res.Outcome))
	}
}

// operationRef mirrors the operation-id-first payload convention of chain
// tasks.
type operationRef struct {
	OperationID int64 `json:"operation_id"`
}

// FailureHook returns the queue failure hook: the single place that marks an
// operation failed and raises the alert. Payloads that do not follow the
// operation-id-first convention are not lifecycle chain tasks; the hook must
// fail safe on them rather than crash the error path.
func (r *Runner) FailureHook(notifier alert.Notifier) queue.FailureHook {
	return func(ctx context.Context, task *queue.Task, taskErr error) {
		var ref operationRef
		if len(task.Payload) == 0 || json.Unmarshal(task.Payload, &ref) != nil || ref.OperationID == 0 {
			return
		}

		log := r.logger.With(logger.OperationID(ref.OperationID))

		op, err := r.ledger.GetOperation(ctx, ref.OperationID)
		if err != nil {
			log.ErrorContext(ctx, "failure hook could not load operation", logger.Error(err))
			return
		}

		// Cancellation is never recorded as failure, and terminal states
		// are one-way.
		if op.Canceled() || op.State != broker.OperationInProgress {
			return
		}

		op.State = broker.OperationFailed
		if err := r.ledger.SaveOperation(ctx, op); err != nil {
			log.ErrorContext(ctx, "failure hook could not mark operation failed", logger.Error(err))
			return
		}

		log.WarnContext(ctx, "operation marked failed",
			slog.String("task_name", task.TaskName),
			logger.Error(taskErr))

		if notifier != nil {
			if err := notifier.OperationFailed(ctx, op, taskErr); err != nil {
				log.ErrorContext(ctx, "failure notification delivery failed", logger.Error(err))
			}
		}
	}
}
