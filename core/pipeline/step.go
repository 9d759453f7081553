package pipeline

import (
	"context"

	"github.com/dmitrymomot/domainbroker/core/broker"
)

// Step is one atomic, idempotent unit of work in a lifecycle chain. Before
// performing a side-effecting external call a step must check whether its
// effect already exists and no-op if so; that check is what makes crash
// resumption and duplicate delivery safe.
type Step interface {
	// Name identifies the step in logs and tests.
	Name() string

	// Describe returns the human-readable label persisted on the operation
	// when the step starts, visible to last-operation pollers.
	Describe() string

	// Retriable reports whether the step may be retried on a retry outcome.
	// Non-retriable steps fail the whole chain on their first error.
	Retriable() bool

	// Execute runs the step against the operation and its instance. The
	// returned Result tells the runner how the chain proceeds.
	Execute(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) Result
}

// Outcome classifies how a step execution ended.
type Outcome int

const (
	// OutcomeContinue advances the chain to the next step.
	OutcomeContinue Outcome = iota

	// OutcomeAbort abandons the chain silently: no retry, no failure state,
	// no alert. Used when the operation was canceled or superseded.
	OutcomeAbort

	// OutcomeRetry reschedules this step after the retry delay, consuming
	// one unit of the task's retry budget.
	OutcomeRetry

	// OutcomeFatal fails the chain immediately regardless of remaining
	// retry budget.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeAbort:
		return "abort"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the value a step returns to the runner. Cancellation and failure
// are data flow here, not panics or sentinel error types threaded through
// step bodies.
type Result struct {
	Outcome Outcome
	Err     error
}

// Proceed advances the chain to the next step.
func Proceed() Result {
	return Result{Outcome: OutcomeContinue}
}

// Abandon stops the chain without marking the operation failed.
func Abandon() Result {
	return Result{Outcome: OutcomeAbort}
}

// Retry reports a transient failure; the runner reschedules the step while
// retry budget remains.
func Retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: err}
}

// Fail reports a permanent failure; the runner fails the chain immediately.
func Fail(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

// Func adapts a plain function into a Step. Wait-style steps with no state
// of their own use it to avoid single-method types.
type Func struct {
	StepName    string
	Description string
	CanRetry    bool
	Run         func(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) Result
}

func (f Func) Name() string     { return f.StepName }
func (f Func) Describe() string { return f.Description }
func (f Func) Retriable() bool  { return f.CanRetry }

func (f Func) Execute(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) Result {
	return f.Run(ctx, op, instance)
}
