package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/queue"
)

// MockEnqueuerRepository captures created tasks for assertions.
type MockEnqueuerRepository struct {
	mock.Mock
}

func (m *MockEnqueuerRepository) CreateTask(ctx context.Context, task *queue.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func TestEnqueuer_NewEnqueuer(t *testing.T) {
	t.Parallel()

	t.Run("nil repository error", func(t *testing.T) {
		t.Parallel()

		enqueuer, err := queue.NewEnqueuer(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, enqueuer)
	})

	t.Run("successful creation", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		enqueuer, err := queue.NewEnqueuer(mockRepo)
		require.NoError(t, err)
		require.NotNil(t, enqueuer)
	})
}

func TestEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	t.Run("nil payload", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		enqueuer, err := queue.NewEnqueuer(mockRepo)
		require.NoError(t, err)

		err = enqueuer.Enqueue(context.Background(), nil)
		assert.ErrorIs(t, err, queue.ErrPayloadNil)
	})

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		defer mockRepo.AssertExpectations(t)

		var captured *queue.Task
		mockRepo.On("CreateTask", mock.Anything, mock.AnythingOfType("*queue.Task")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*queue.Task)
			}).
			Return(nil)

		enqueuer, err := queue.NewEnqueuer(mockRepo,
			queue.WithDefaultQueue("certificates"),
			queue.WithDefaultMaxRetries(23),
		)
		require.NoError(t, err)

		require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{Message: "x"}))

		require.NotNil(t, captured)
		assert.Equal(t, "certificates", captured.Queue)
		assert.Equal(t, 23, captured.MaxRetries)
		assert.Equal(t, queue.TaskTypeOneTime, captured.TaskType)
		assert.Equal(t, queue.TaskStatusPending, captured.Status)
		assert.Equal(t, "queue_test.testPayload", captured.TaskName)
		assert.JSONEq(t, `{"message":"x","value":0}`, string(captured.Payload))
	})

	t.Run("zero max retries pins a non-retriable task", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		defer mockRepo.AssertExpectations(t)

		var captured *queue.Task
		mockRepo.On("CreateTask", mock.Anything, mock.AnythingOfType("*queue.Task")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*queue.Task)
			}).
			Return(nil)

		enqueuer, err := queue.NewEnqueuer(mockRepo, queue.WithDefaultMaxRetries(23))
		require.NoError(t, err)

		require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{},
			queue.WithMaxRetries(0)))

		require.NotNil(t, captured)
		assert.Equal(t, 0, captured.MaxRetries)
	})

	t.Run("delay shifts scheduled time", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		defer mockRepo.AssertExpectations(t)

		var captured *queue.Task
		mockRepo.On("CreateTask", mock.Anything, mock.AnythingOfType("*queue.Task")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*queue.Task)
			}).
			Return(nil)

		enqueuer, err := queue.NewEnqueuer(mockRepo)
		require.NoError(t, err)

		before := time.Now()
		require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{},
			queue.WithDelay(time.Hour)))

		require.NotNil(t, captured)
		assert.WithinDuration(t, before.Add(time.Hour), captured.ScheduledAt, time.Second)
	})

	t.Run("explicit task name and queue", func(t *testing.T) {
		t.Parallel()

		mockRepo := new(MockEnqueuerRepository)
		defer mockRepo.AssertExpectations(t)

		var captured *queue.Task
		mockRepo.On("CreateTask", mock.Anything, mock.AnythingOfType("*queue.Task")).
			Run(func(args mock.Arguments) {
				captured = args.Get(1).(*queue.Task)
			}).
			Return(nil)

		enqueuer, err := queue.NewEnqueuer(mockRepo)
		require.NoError(t, err)

		require.NoError(t, enqueuer.Enqueue(context.Background(), testPayload{},
			queue.WithTaskName("custom-name"),
			queue.WithQueue("scans")))

		require.NotNil(t, captured)
		assert.Equal(t, "custom-name", captured.TaskName)
		assert.Equal(t, "scans", captured.Queue)
	})
}
