package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SchedulerRepository defines the interface for scheduler operations.
type SchedulerRepository interface {
	// CreateTask creates a new task in the storage
	CreateTask(ctx context.Context, task *Task) error

	// GetPendingTaskByName checks if a pending task with given name exists
	GetPendingTaskByName(ctx context.Context, taskName string) (*Task, error)
}

// Scheduler manages periodic task scheduling. The broker registers its
// recovery and renewal scans here; the scheduler only creates queue tasks,
// the worker executes them.
type Scheduler struct {
	repo     SchedulerRepository
	tasks    map[string]*scheduledTask
	mu       sync.RWMutex
	interval time.Duration
	logger   *slog.Logger

	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	shutdownTimeout time.Duration

	tasksScheduled atomic.Int64
}

// scheduledTask holds configuration for a periodic task.
type scheduledTask struct {
	name            string
	schedule        Schedule
	queue           string
	lastScheduledAt *time.Time
}

// SchedulerOption is a functional option for configuring a scheduler.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithCheckInterval configures how frequently the scheduler checks for due tasks.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithSchedulerShutdownTimeout configures maximum wait time for active checks during shutdown.
func WithSchedulerShutdownTimeout(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithSchedulerLogger configures structured logging for scheduler operations.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewScheduler creates a new task scheduler.
func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &schedulerOptions{
		checkInterval:   30 * time.Second,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Scheduler{
		repo:            repo,
		tasks:           make(map[string]*scheduledTask),
		interval:        options.checkInterval,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger,
	}, nil
}

// NewSchedulerFromConfig creates a Scheduler from configuration.
// Additional options can override config values.
func NewSchedulerFromConfig(cfg Config, repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	allOpts := append([]SchedulerOption{
		WithCheckInterval(cfg.CheckInterval),
		WithSchedulerShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)

	return NewScheduler(repo, allOpts...)
}

// AddTask registers a periodic task with the scheduler.
func (s *Scheduler) AddTask(name string, schedule Schedule, queue string) error {
	if queue == "" {
		queue = DefaultQueueName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return ErrTaskAlreadyRegistered
	}

	s.tasks[name] = &scheduledTask{
		name:     name,
		schedule: schedule,
		queue:    queue,
	}

	s.logger.InfoContext(context.Background(), "registered periodic task",
		slog.String("task_name", name),
		slog.String("schedule", schedule.String()))

	return nil
}

// Start begins the scheduler's periodic task checking. This is a blocking
// operation that runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return ErrSchedulerNotConfigured
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.InfoContext(s.ctx, "scheduler started",
		slog.Int("task_count", len(s.tasks)),
		slog.Duration("check_interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkTasksWithWait()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.InfoContext(context.Background(), "scheduler stopping")
			return s.ctx.Err()
		case <-ticker.C:
			s.checkTasksWithWait()
		}
	}
}

// Stop gracefully shuts down the scheduler with a timeout.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}

	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(context.Background(), "scheduler stopped cleanly")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = s.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// checkTasksWithWait wraps checkTasks with WaitGroup tracking.
func (s *Scheduler) checkTasksWithWait() {
	// Mutex protects against shutdown race: Must verify scheduler is still running
	// AND add to waitgroup atomically, otherwise Stop() might wait on incomplete count
	s.mu.RLock()
	if s.cancel == nil {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	defer s.wg.Done()

	// Background context so an in-flight check survives shutdown.
	s.checkTasks(context.Background())
}

// checkTasks checks all registered tasks and creates any that are due.
func (s *Scheduler) checkTasks(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*scheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.RUnlock()

	now := time.Now()

	for _, task := range tasks {
		if err := s.scheduleTaskIfNeeded(ctx, task, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to schedule task",
				slog.String("task_name", task.name),
				slog.String("schedule", task.schedule.String()),
				slog.String("error", err.Error()))
		}
	}
}

// scheduleTaskIfNeeded checks if a task is due and creates it if needed.
// Duplicate suppression via GetPendingTaskByName keeps scheduler restarts
// and concurrent scheduler instances from double-creating periodic tasks.
func (s *Scheduler) scheduleTaskIfNeeded(ctx context.Context, task *scheduledTask, now time.Time) error {
	nextRun := s.calculateNextRun(task, now)

	if task.lastScheduledAt != nil && nextRun.After(now) {
		return nil
	}

	existing, err := s.repo.GetPendingTaskByName(ctx, task.name)
	if err == nil && existing != nil {
		s.updateTaskState(task.name, &existing.ScheduledAt)
		return nil
	}

	newTask := &Task{
		ID:          uuid.New(),
		Queue:       task.queue,
		TaskType:    TaskTypePeriodic,
		TaskName:    task.name,
		Status:      TaskStatusPending,
		ScheduledAt: nextRun,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.CreateTask(ctx, newTask); err != nil {
		return fmt.Errorf("failed to create periodic task: %w", err)
	}

	s.tasksScheduled.Add(1)
	s.updateTaskState(task.name, &nextRun)

	s.logger.InfoContext(ctx, "created periodic task",
		slog.String("task_name", task.name),
		slog.Time("scheduled_for", nextRun))

	return nil
}

// calculateNextRun returns when the task should next be created. A task this
// process has never scheduled runs immediately: the scans fire once at
// startup, picking up work that accumulated while no scheduler was running,
// then settle into their configured cadence. The scans are idempotent and
// serialized by the distributed lock, and an existing pending instance
// suppresses the startup occurrence entirely.
func (s *Scheduler) calculateNextRun(task *scheduledTask, now time.Time) time.Time {
	if task.lastScheduledAt == nil {
		return now
	}
	return task.schedule.Next(*task.lastScheduledAt)
}

func (s *Scheduler) updateTaskState(taskName string, scheduledAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[taskName]; ok {
		t.lastScheduledAt = scheduledAt
	}
}

// TasksScheduled returns the number of periodic tasks created so far.
func (s *Scheduler) TasksScheduled() int64 {
	return s.tasksScheduled.Load()
}
