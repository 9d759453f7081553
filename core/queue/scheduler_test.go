package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/queue"
)

func TestSchedule_Every(t *testing.T) {
	t.Parallel()

	s := queue.Every(15 * time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(15*time.Minute), s.Next(now))
	assert.Equal(t, "every 15m0s", s.String())
}

func TestSchedule_DailyAt(t *testing.T) {
	t.Parallel()

	s := queue.DailyAt(3, 30)

	t.Run("before wall-clock time fires same day", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC), s.Next(now))
	})

	t.Run("after wall-clock time fires next day", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), s.Next(now))
	})

	t.Run("exactly at wall-clock time fires next day", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), s.Next(now))
	})
}

func TestScheduler_NewScheduler(t *testing.T) {
	t.Parallel()

	t.Run("nil repository error", func(t *testing.T) {
		t.Parallel()

		scheduler, err := queue.NewScheduler(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, scheduler)
	})

	t.Run("duplicate task name rejected", func(t *testing.T) {
		t.Parallel()

		scheduler, err := queue.NewScheduler(queue.NewMemoryStorage())
		require.NoError(t, err)

		require.NoError(t, scheduler.AddTask("scan", queue.Every(time.Hour), ""))
		err = scheduler.AddTask("scan", queue.Every(time.Minute), "")
		assert.ErrorIs(t, err, queue.ErrTaskAlreadyRegistered)
	})

	t.Run("start without tasks", func(t *testing.T) {
		t.Parallel()

		scheduler, err := queue.NewScheduler(queue.NewMemoryStorage())
		require.NoError(t, err)

		err = scheduler.Start(context.Background())
		assert.ErrorIs(t, err, queue.ErrSchedulerNotConfigured)
	})
}

func TestScheduler_CreatesPeriodicTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	scheduler, err := queue.NewScheduler(storage,
		queue.WithCheckInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	require.NoError(t, scheduler.AddTask("operation-recovery-scan", queue.Every(time.Hour), "scans"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scheduler.Start(ctx) }()
	defer func() { _ = scheduler.Stop() }()

	require.Eventually(t, func() bool {
		task, err := storage.GetPendingTaskByName(context.Background(), "operation-recovery-scan")
		return err == nil && task != nil
	}, 2*time.Second, 5*time.Millisecond)

	task, err := storage.GetPendingTaskByName(context.Background(), "operation-recovery-scan")
	require.NoError(t, err)
	assert.Equal(t, "scans", task.Queue)
	assert.Equal(t, queue.TaskTypePeriodic, task.TaskType)
	assert.Empty(t, task.Payload)

	// A pending instance suppresses duplicates across check ticks.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), scheduler.TasksScheduled())
}

func TestScheduler_FirstOccurrenceRunsAtStartup(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	scheduler, err := queue.NewScheduler(storage,
		queue.WithCheckInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	// A daily slot half a day away: the startup occurrence is scheduled for
	// now, not deferred to the wall-clock slot.
	slotHour := (time.Now().UTC().Hour() + 12) % 24
	require.NoError(t, scheduler.AddTask("certificate-renewal-scan", queue.DailyAt(slotHour, 0), ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scheduler.Start(ctx) }()
	defer func() { _ = scheduler.Stop() }()

	require.Eventually(t, func() bool {
		task, err := storage.GetPendingTaskByName(context.Background(), "certificate-renewal-scan")
		return err == nil && task != nil
	}, 2*time.Second, 5*time.Millisecond)

	task, err := storage.GetPendingTaskByName(context.Background(), "certificate-renewal-scan")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), task.ScheduledAt, time.Minute)
}

func TestScheduler_WorkerExecutesPeriodicTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()

	scheduler, err := queue.NewScheduler(storage,
		queue.WithCheckInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, scheduler.AddTask("renewal-scan", queue.Every(time.Hour), ""))

	var runs atomic.Int32
	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	worker.RegisterHandler(queue.NewPeriodicTaskHandler("renewal-scan", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scheduler.Start(ctx) }()
	go func() { _ = worker.Start(ctx) }()
	defer func() { _ = scheduler.Stop() }()
	defer func() { _ = worker.Stop() }()

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
