package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/queue"
)

func newPendingTask(name string, scheduledAt time.Time) *queue.Task {
	return &queue.Task{
		ID:          uuid.New(),
		Queue:       queue.DefaultQueueName,
		TaskType:    queue.TaskTypeOneTime,
		TaskName:    name,
		Payload:     []byte(`{}`),
		Status:      queue.TaskStatusPending,
		MaxRetries:  3,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now(),
	}
}

func TestMemoryStorage_ClaimOrdering(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()

	later := newPendingTask("later", now.Add(-time.Minute))
	earlier := newPendingTask("earlier", now.Add(-time.Hour))
	future := newPendingTask("future", now.Add(time.Hour))

	require.NoError(t, storage.CreateTask(ctx, later))
	require.NoError(t, storage.CreateTask(ctx, earlier))
	require.NoError(t, storage.CreateTask(ctx, future))

	workerID := uuid.New()

	first, err := storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "earlier", first.TaskName)
	assert.Equal(t, queue.TaskStatusProcessing, first.Status)
	require.NotNil(t, first.LockedBy)
	assert.Equal(t, workerID, *first.LockedBy)

	second, err := storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "later", second.TaskName)

	// The future task is not due; nothing left to claim.
	_, err = storage.ClaimTask(ctx, workerID, []string{queue.DefaultQueueName}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
}

func TestMemoryStorage_ExpiredLockReclaimed(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	ctx := context.Background()

	task := newPendingTask("abandoned", time.Now().Add(-time.Minute))
	require.NoError(t, storage.CreateTask(ctx, task))

	// First worker claims with an already-expired lock, simulating a crash.
	_, err := storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, -time.Second)
	require.NoError(t, err)

	reclaimed, err := storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
}

func TestMemoryStorage_QueueIsolation(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	ctx := context.Background()

	task := newPendingTask("certificates-only", time.Now().Add(-time.Minute))
	task.Queue = "certificates"
	require.NoError(t, storage.CreateTask(ctx, task))

	_, err := storage.ClaimTask(ctx, uuid.New(), []string{"scans"}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)

	claimed, err := storage.ClaimTask(ctx, uuid.New(), []string{"scans", "certificates"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestMemoryStorage_FailTaskReschedules(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage(queue.WithRetryDelay(time.Hour))
	ctx := context.Background()

	task := newPendingTask("flaky", time.Now().Add(-time.Minute))
	task.MaxRetries = 1
	require.NoError(t, storage.CreateTask(ctx, task))

	claimed, err := storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, storage.FailTask(ctx, claimed.ID, "first failure"))

	updated, ok := storage.TaskByID(ctx, claimed.ID)
	require.True(t, ok)
	assert.Equal(t, queue.TaskStatusPending, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.WithinDuration(t, time.Now().Add(time.Hour), updated.ScheduledAt, time.Second)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "first failure", *updated.Error)

	// Not due yet, so not claimable.
	_, err = storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
}

func TestMemoryStorage_FailTaskExhaustedBudget(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage(queue.WithRetryDelay(time.Millisecond))
	ctx := context.Background()

	task := newPendingTask("doomed", time.Now().Add(-time.Minute))
	task.MaxRetries = 0
	require.NoError(t, storage.CreateTask(ctx, task))

	claimed, err := storage.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, storage.FailTask(ctx, claimed.ID, "fatal"))

	updated, ok := storage.TaskByID(ctx, claimed.ID)
	require.True(t, ok)
	assert.Equal(t, queue.TaskStatusFailed, updated.Status)

	require.NoError(t, storage.MoveToDLQ(ctx, claimed.ID))

	_, ok = storage.TaskByID(ctx, claimed.ID)
	assert.False(t, ok)

	dlq, err := storage.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, claimed.ID, dlq[0].TaskID)
	assert.Equal(t, "fatal", dlq[0].Error)
}
