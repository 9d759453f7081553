package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage is an in-memory Storage implementation used by tests and
// single-process deployments. Production deployments use the postgres-backed
// storage so tasks survive restarts.
type MemoryStorage struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*Task
	dlq        map[uuid.UUID]*TasksDlq
	retryDelay time.Duration
}

// MemoryStorageOption is a functional option for configuring memory storage.
type MemoryStorageOption func(*MemoryStorage)

// WithRetryDelay sets how far in the future a failed task with remaining
// retry budget is rescheduled.
func WithRetryDelay(d time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		tasks:      make(map[uuid.UUID]*Task),
		dlq:        make(map[uuid.UUID]*TasksDlq),
		retryDelay: 10 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateTask adds a new task to storage.
func (s *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return ErrPayloadNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	s.tasks[task.ID] = &cp

	return nil
}

// ClaimTask atomically claims the oldest due pending task in the given
// queues, or a processing task whose lock has expired.
func (s *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	var candidates []*Task
	for _, task := range s.tasks {
		if _, ok := queueSet[task.Queue]; !ok {
			continue
		}

		switch task.Status {
		case TaskStatusPending:
			if !task.ScheduledAt.After(now) {
				candidates = append(candidates, task)
			}
		case TaskStatusProcessing:
			// Expired locks make abandoned tasks claimable again.
			if task.LockedUntil != nil && task.LockedUntil.Before(now) {
				candidates = append(candidates, task)
			}
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoTaskToClaim
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})

	task := candidates[0]
	lockedUntil := now.Add(lockDuration)
	task.Status = TaskStatusProcessing
	task.LockedUntil = &lockedUntil
	task.LockedBy = &workerID

	cp := *task
	return &cp, nil
}

// CompleteTask marks a task as completed.
func (s *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNoTaskToClaim
	}

	now := time.Now()
	task.Status = TaskStatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil

	return nil
}

// FailTask records the error and increments the retry count. While retry
// budget remains the task goes back to pending, rescheduled after the retry
// delay; otherwise it stays failed awaiting MoveToDLQ.
func (s *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNoTaskToClaim
	}

	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount <= task.MaxRetries {
		task.Status = TaskStatusPending
		task.ScheduledAt = time.Now().Add(s.retryDelay)
	} else {
		now := time.Now()
		task.Status = TaskStatusFailed
		task.ProcessedAt = &now
	}

	return nil
}

// MoveToDLQ moves a task to the dead letter queue and removes it from the
// active task set.
func (s *MemoryStorage) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNoTaskToClaim
	}

	errorMsg := "unknown error"
	if task.Error != nil {
		errorMsg = *task.Error
	}

	s.dlq[task.ID] = &TasksDlq{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		TaskType:   task.TaskType,
		TaskName:   task.TaskName,
		Payload:    task.Payload,
		Error:      errorMsg,
		RetryCount: task.RetryCount,
		FailedAt:   time.Now(),
		CreatedAt:  task.CreatedAt,
	}

	delete(s.tasks, taskID)

	return nil
}

// GetPendingTaskByName returns a pending or processing task with the given
// name, if one exists. Used by the scheduler for duplicate suppression.
func (s *MemoryStorage) GetPendingTaskByName(_ context.Context, taskName string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if task.TaskName != taskName {
			continue
		}
		if task.Status == TaskStatusPending || task.Status == TaskStatusProcessing {
			cp := *task
			return &cp, nil
		}
	}

	return nil, ErrNoTaskToClaim
}

// ListDLQ returns a snapshot of the dead letter queue ordered by failure time.
func (s *MemoryStorage) ListDLQ(_ context.Context) ([]TasksDlq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TasksDlq, 0, len(s.dlq))
	for _, entry := range s.dlq {
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})

	return out, nil
}

// TaskByID returns a copy of the task with the given ID, if present.
func (s *MemoryStorage) TaskByID(_ context.Context, taskID uuid.UUID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}

	cp := *task
	return &cp, true
}
