package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/queue"
)

// MockWorkerRepository is a mock implementation of WorkerRepository
type MockWorkerRepository struct {
	mock.Mock
}

func (m *MockWorkerRepository) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	args := m.Called(ctx, workerID, queues, lockDuration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Task), args.Error(1)
}

func (m *MockWorkerRepository) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

func (m *MockWorkerRepository) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	args := m.Called(ctx, taskID, errorMsg)
	return args.Error(0)
}

func (m *MockWorkerRepository) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

type testPayload struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

func TestWorker_NewWorker(t *testing.T) {
	t.Parallel()

	t.Run("successful creation", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockWorkerRepository)
		defer mockRepo.AssertExpectations(t)

		worker, err := queue.NewWorker(mockRepo)
		require.NoError(t, err)
		require.NotNil(t, worker)
	})

	t.Run("nil repository error", func(t *testing.T) {
		t.Parallel()

		worker, err := queue.NewWorker(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, worker)
	})

	t.Run("with options", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockWorkerRepository)
		defer mockRepo.AssertExpectations(t)

		worker, err := queue.NewWorker(mockRepo,
			queue.WithQueues("certificates", "scans"),
			queue.WithPullInterval(1*time.Second),
			queue.WithLockTimeout(10*time.Minute),
			queue.WithMaxConcurrentTasks(5),
		)
		require.NoError(t, err)
		require.NotNil(t, worker)
	})

	t.Run("from config", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockWorkerRepository)
		defer mockRepo.AssertExpectations(t)

		worker, err := queue.NewWorkerFromConfig(queue.DefaultConfig(), mockRepo)
		require.NoError(t, err)
		require.NotNil(t, worker)
	})
}

func TestWorker_StartRequiresHandlers(t *testing.T) {
	t.Parallel()

	mockRepo := new(MockWorkerRepository)
	worker, err := queue.NewWorker(mockRepo)
	require.NoError(t, err)

	err = worker.Start(context.Background())
	assert.ErrorIs(t, err, queue.ErrNoHandlers)
}

func TestWorker_ProcessTask_Success(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var processed atomic.Int32
	handler := queue.NewTaskHandler(func(ctx context.Context, payload testPayload) error {
		processed.Add(1)
		assert.Equal(t, "hello", payload.Message)
		return nil
	})

	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	worker.RegisterHandler(handler)

	require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "hello", Value: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return worker.Stats().TasksProcessed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RetryThenDLQ(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage(queue.WithRetryDelay(time.Millisecond))
	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var attempts atomic.Int32
	handler := queue.NewTaskHandler(func(ctx context.Context, payload testPayload) error {
		attempts.Add(1)
		return errors.New("transient failure")
	})

	var hookCalls atomic.Int32
	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
		queue.WithFailureHook(func(ctx context.Context, task *queue.Task, taskErr error) {
			hookCalls.Add(1)
			assert.Contains(t, taskErr.Error(), "transient failure")
		}),
	)
	require.NoError(t, err)
	worker.RegisterHandler(handler)

	// 1 retry allowed: two attempts total, then the DLQ.
	require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "doomed"},
		queue.WithMaxRetries(1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		dlq, err := storage.ListDLQ(context.Background())
		return err == nil && len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), hookCalls.Load())

	dlq, err := storage.ListDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dlq[0].RetryCount)
	assert.Contains(t, dlq[0].Error, "transient failure")
}

func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage(queue.WithRetryDelay(time.Millisecond))
	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var attempts atomic.Int32
	handler := queue.NewTaskHandler(func(ctx context.Context, payload testPayload) error {
		attempts.Add(1)
		return fmt.Errorf("%w: order expired", queue.ErrPermanent)
	})

	var hookCalls atomic.Int32
	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
		queue.WithFailureHook(func(ctx context.Context, task *queue.Task, taskErr error) {
			hookCalls.Add(1)
			assert.ErrorIs(t, taskErr, queue.ErrPermanent)
		}),
	)
	require.NoError(t, err)
	worker.RegisterHandler(handler)

	// Plenty of retry budget that must be ignored.
	require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "fatal"},
		queue.WithMaxRetries(10)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		dlq, err := storage.ListDLQ(context.Background())
		return err == nil && len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestWorker_PanicRecovered(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage(queue.WithRetryDelay(time.Millisecond))
	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var attempts atomic.Int32
	handler := queue.NewTaskHandler(func(ctx context.Context, payload testPayload) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	worker.RegisterHandler(handler)

	require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "panics once"},
		queue.WithMaxRetries(3)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		return worker.Stats().TasksProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())
}

func TestWorker_MissingHandlerGoesToDLQ(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	handler := queue.NewPeriodicTaskHandler("registered-task", func(ctx context.Context) error {
		return nil
	})

	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	worker.RegisterHandler(handler)

	require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "orphan"},
		queue.WithTaskName("unregistered-task")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		dlq, err := storage.ListDLQ(context.Background())
		return err == nil && len(dlq) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dlq, err := storage.ListDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unregistered-task", dlq[0].TaskName)
	assert.Contains(t, dlq[0].Error, "no handler registered")
}

func TestWorker_Healthcheck(t *testing.T) {
	t.Parallel()

	t.Run("not running", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockWorkerRepository)
		worker, err := queue.NewWorker(mockRepo)
		require.NoError(t, err)

		err = worker.Healthcheck(context.Background())
		assert.ErrorIs(t, err, queue.ErrHealthcheckFailed)
		assert.ErrorIs(t, err, queue.ErrWorkerNotRunning)
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		worker, err := queue.NewWorker(storage,
			queue.WithPullInterval(10*time.Millisecond),
		)
		require.NoError(t, err)
		worker.RegisterHandler(queue.NewPeriodicTaskHandler("noop", func(ctx context.Context) error {
			return nil
		}))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = worker.Start(ctx) }()
		defer func() { _ = worker.Stop() }()

		require.Eventually(t, func() bool {
			return worker.Healthcheck(context.Background()) == nil
		}, 2*time.Second, 5*time.Millisecond)
	})
}
