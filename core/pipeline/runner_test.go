package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/pipeline"
	"github.com/dmitrymomot/domainbroker/core/queue"
)

// recordingStep appends its name to a shared trace on execution.
type recordingStep struct {
	name      string
	retriable bool
	result    pipeline.Result
	trace     *[]string
}

func (s *recordingStep) Name() string     { return s.name }
func (s *recordingStep) Describe() string { return "running " + s.name }
func (s *recordingStep) Retriable() bool  { return s.retriable }

func (s *recordingStep) Execute(ctx context.Context, op *broker.Operation, instance *broker.ServiceInstance) pipeline.Result {
	*s.trace = append(*s.trace, s.name)
	return s.result
}

// recordingNotifier captures operation failure notifications.
type recordingNotifier struct {
	failed []int64
	causes []error
}

func (n *recordingNotifier) OperationFailed(ctx context.Context, op *broker.Operation, cause error) error {
	n.failed = append(n.failed, op.ID)
	n.causes = append(n.causes, cause)
	return nil
}

type runnerFixture struct {
	store    *broker.MemoryStore
	storage  *queue.MemoryStorage
	builder  *pipeline.Builder
	runner   *pipeline.Runner
	instance *broker.ServiceInstance
	op       *broker.Operation
}

func newRunnerFixture(t *testing.T, action broker.Action, steps ...pipeline.Step) *runnerFixture {
	t.Helper()
	ctx := context.Background()

	store := broker.NewMemoryStore()
	storage := queue.NewMemoryStorage()

	enqueuer, err := queue.NewEnqueuer(storage, queue.WithDefaultMaxRetries(23))
	require.NoError(t, err)

	builder := pipeline.NewBuilder()
	require.NoError(t, builder.Register(action, broker.InstanceTypeCDN, steps...))

	runner, err := pipeline.NewRunner(store, builder, enqueuer, pipeline.WithRetryBudget(5))
	require.NoError(t, err)

	instance := &broker.ServiceInstance{
		ID:          "instance-1",
		Type:        broker.InstanceTypeCDN,
		DomainNames: []string{"example.com"},
	}
	require.NoError(t, store.CreateInstance(ctx, instance))

	op := &broker.Operation{
		InstanceID: instance.ID,
		Action:     action,
		State:      broker.OperationInProgress,
	}
	require.NoError(t, store.CreateOperation(ctx, op))

	return &runnerFixture{
		store:    store,
		storage:  storage,
		builder:  builder,
		runner:   runner,
		instance: instance,
		op:       op,
	}
}

// drain claims and executes queued tasks until the queue is empty, completing
// or failing each task the way the worker would.
func (f *runnerFixture) drain(t *testing.T) []error {
	t.Helper()
	ctx := context.Background()
	handler := f.runner.Handler()

	var errs []error
	for range 50 {
		task, err := f.storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		if errors.Is(err, queue.ErrNoTaskToClaim) {
			return errs
		}
		require.NoError(t, err)

		if execErr := handler.Handle(ctx, task.Payload); execErr != nil {
			errs = append(errs, execErr)
			require.NoError(t, f.storage.FailTask(ctx, task.ID, execErr.Error()))
		} else {
			require.NoError(t, f.storage.CompleteTask(ctx, task.ID))
		}
	}
	t.Fatal("queue did not drain within 50 tasks")
	return errs
}

func TestRunner_NewRunner(t *testing.T) {
	t.Parallel()

	store := broker.NewMemoryStore()
	builder := pipeline.NewBuilder()
	enqueuer, err := queue.NewEnqueuer(queue.NewMemoryStorage())
	require.NoError(t, err)

	t.Run("nil dependencies", func(t *testing.T) {
		t.Parallel()

		_, err := pipeline.NewRunner(nil, builder, enqueuer)
		assert.ErrorIs(t, err, pipeline.ErrStoreNil)

		_, err = pipeline.NewRunner(store, nil, enqueuer)
		assert.ErrorIs(t, err, pipeline.ErrBuilderNil)

		_, err = pipeline.NewRunner(store, builder, nil)
		assert.ErrorIs(t, err, pipeline.ErrEnqueuerNil)
	})

	t.Run("identifier guards", func(t *testing.T) {
		t.Parallel()

		runner, err := pipeline.NewRunner(store, builder, enqueuer)
		require.NoError(t, err)

		assert.ErrorIs(t, runner.StartChain(context.Background(), 0), pipeline.ErrMissingOperationID)
		assert.ErrorIs(t, runner.Resume(context.Background(), 7, uuid.Nil), pipeline.ErrMissingCorrelationID)
	})
}

func TestRunner_OrderPreservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "first", retriable: true, result: pipeline.Proceed(), trace: &trace},
		&recordingStep{name: "second", retriable: false, result: pipeline.Proceed(), trace: &trace},
		&recordingStep{name: "third", retriable: true, result: pipeline.Proceed(), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))
	errs := f.drain(t)
	assert.Empty(t, errs)

	assert.Equal(t, []string{"first", "second", "third"}, trace)

	op, err := f.store.GetOperation(ctx, f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, "running third", op.StepDescription)
}

func TestRunner_RetryBudgetFixedAtEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "retriable", retriable: true, result: pipeline.Proceed(), trace: &trace},
		&recordingStep{name: "one-shot", retriable: false, result: pipeline.Proceed(), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))

	first, err := f.storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, first.MaxRetries)
	require.NoError(t, f.runner.Handler().Handle(ctx, first.Payload))
	require.NoError(t, f.storage.CompleteTask(ctx, first.ID))

	second, err := f.storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, second.MaxRetries)
}

func TestRunner_CancellationShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "never-runs", retriable: true, result: pipeline.Proceed(), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))

	// Cancel between enqueue and execution.
	now := time.Now()
	f.op.CanceledAt = &now
	require.NoError(t, f.store.SaveOperation(ctx, f.op))

	errs := f.drain(t)
	assert.Empty(t, errs)
	assert.Empty(t, trace)

	op, err := f.store.GetOperation(ctx, f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OperationInProgress, op.State)
}

func TestRunner_TerminalOperationSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "never-runs", retriable: true, result: pipeline.Proceed(), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))

	f.op.State = broker.OperationSucceeded
	require.NoError(t, f.store.SaveOperation(ctx, f.op))

	errs := f.drain(t)
	assert.Empty(t, errs)
	assert.Empty(t, trace)
}

func TestRunner_AbortStopsChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "aborts", retriable: true, result: pipeline.Abandon(), trace: &trace},
		&recordingStep{name: "unreached", retriable: true, result: pipeline.Proceed(), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))
	errs := f.drain(t)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"aborts"}, trace)

	op, err := f.store.GetOperation(ctx, f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.OperationInProgress, op.State)
}

func TestRunner_FatalOutcomeIsPermanent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	cause := errors.New("order expired")
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "explodes", retriable: true, result: pipeline.Fail(cause), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))
	errs := f.drain(t)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], queue.ErrPermanent)
	assert.ErrorIs(t, errs[0], cause)
}

func TestRunner_RetryOutcomePropagatesError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	cause := errors.New("dns not yet in sync")
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "waits", retriable: true, result: pipeline.Retry(cause), trace: &trace},
	)

	require.NoError(t, f.runner.StartChain(ctx, f.op.ID))
	errs := f.drain(t)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], cause)
	assert.NotErrorIs(t, errs[0], queue.ErrPermanent)
}

func TestRunner_UnknownPipelineIsPermanent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var trace []string
	f := newRunnerFixture(t, broker.ActionProvision,
		&recordingStep{name: "only", retriable: true, result: pipeline.Proceed(), trace: &trace},
	)

	// A renew operation has no registered chain in this fixture.
	renew := &broker.Operation{
		InstanceID: f.instance.ID,
		Action:     broker.ActionRenew,
		State:      broker.OperationInProgress,
	}
	require.NoError(t, f.store.CreateOperation(ctx, renew))

	payload, err := json.Marshal(pipeline.StepTask{
		OperationID:   renew.ID,
		CorrelationID: uuid.New(),
		StepIndex:     0,
	})
	require.NoError(t, err)

	execErr := f.runner.Handler().Handle(ctx, payload)
	assert.ErrorIs(t, execErr, queue.ErrPermanent)
	assert.ErrorIs(t, execErr, pipeline.ErrUnknownPipeline)
}

func TestRunner_FailureHook(t *testing.T) {
	t.Parallel()

	t.Run("marks operation failed and notifies", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		var trace []string
		f := newRunnerFixture(t, broker.ActionProvision,
			&recordingStep{name: "only", retriable: true, result: pipeline.Proceed(), trace: &trace},
		)

		notifier := &recordingNotifier{}
		hook := f.runner.FailureHook(notifier)

		payload, err := json.Marshal(pipeline.StepTask{
			OperationID:   f.op.ID,
			CorrelationID: uuid.New(),
		})
		require.NoError(t, err)

		cause := errors.New("retries exhausted")
		hook(ctx, &queue.Task{ID: uuid.New(), TaskName: "pipeline.StepTask", Payload: payload}, cause)

		op, err := f.store.GetOperation(ctx, f.op.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.OperationFailed, op.State)
		assert.Equal(t, []int64{f.op.ID}, notifier.failed)
		require.Len(t, notifier.causes, 1)
		assert.ErrorIs(t, notifier.causes[0], cause)
	})

	t.Run("fails safe on non-chain payloads", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		var trace []string
		f := newRunnerFixture(t, broker.ActionProvision,
			&recordingStep{name: "only", retriable: true, result: pipeline.Proceed(), trace: &trace},
		)

		notifier := &recordingNotifier{}
		hook := f.runner.FailureHook(notifier)

		hook(ctx, &queue.Task{ID: uuid.New(), TaskName: "renewal-scan"}, errors.New("boom"))
		hook(ctx, &queue.Task{ID: uuid.New(), TaskName: "junk", Payload: []byte("not json")}, errors.New("boom"))
		hook(ctx, &queue.Task{ID: uuid.New(), TaskName: "other", Payload: []byte(`{"foo":1}`)}, errors.New("boom"))

		assert.Empty(t, notifier.failed)

		op, err := f.store.GetOperation(ctx, f.op.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.OperationInProgress, op.State)
	})

	t.Run("never fails a canceled operation", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		var trace []string
		f := newRunnerFixture(t, broker.ActionProvision,
			&recordingStep{name: "only", retriable: true, result: pipeline.Proceed(), trace: &trace},
		)

		now := time.Now()
		f.op.CanceledAt = &now
		require.NoError(t, f.store.SaveOperation(ctx, f.op))

		notifier := &recordingNotifier{}
		payload, err := json.Marshal(pipeline.StepTask{OperationID: f.op.ID, CorrelationID: uuid.New()})
		require.NoError(t, err)

		f.runner.FailureHook(notifier)(ctx, &queue.Task{ID: uuid.New(), Payload: payload}, errors.New("boom"))

		op, err := f.store.GetOperation(ctx, f.op.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.OperationInProgress, op.State)
		assert.Empty(t, notifier.failed)
	})
}
