package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/domainbroker/core/queue"
	"github.com/dmitrymomot/domainbroker/integration/database/pg"
)

// ErrPoolNil is returned when a storage is constructed without a pool.
var ErrPoolNil = errors.New("postgres: pool cannot be nil")

// dbtx is the query surface shared by the pool and a pgx transaction, so
// writes can join a caller's transaction via pg.WithTx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TaskStorage is the durable queue backend. Claiming uses FOR UPDATE SKIP
// LOCKED, so any number of workers can poll the same queues without handing
// the same task to two of them.
type TaskStorage struct {
	pool       *pgxpool.Pool
	retryDelay time.Duration
}

// TaskStorageOption is a functional option for configuring the task storage.
type TaskStorageOption func(*TaskStorage)

// WithTaskRetryDelay overrides the delay applied when rescheduling a failed
// task with remaining retry budget. The same delay spaces the polls of
// wait-style pipeline steps.
func WithTaskRetryDelay(d time.Duration) TaskStorageOption {
	return func(s *TaskStorage) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// NewTaskStorage creates a Postgres-backed queue storage.
func NewTaskStorage(pool *pgxpool.Pool, opts ...TaskStorageOption) (*TaskStorage, error) {
	if pool == nil {
		return nil, ErrPoolNil
	}

	s := &TaskStorage{
		pool:       pool,
		retryDelay: 10 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *TaskStorage) db(ctx context.Context) dbtx {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

const taskColumns = `id, queue, task_type, task_name, payload, status, retry_count, max_retries,
	scheduled_at, locked_until, locked_by, processed_at, error, created_at`

func scanTask(row pgx.Row) (*queue.Task, error) {
	var t queue.Task
	err := row.Scan(&t.ID, &t.Queue, &t.TaskType, &t.TaskName, &t.Payload, &t.Status,
		&t.RetryCount, &t.MaxRetries, &t.ScheduledAt, &t.LockedUntil, &t.LockedBy,
		&t.ProcessedAt, &t.Error, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask persists a new task. When the context carries a transaction
// (pg.WithTx), the task only becomes claimable once that transaction
// commits.
func (s *TaskStorage) CreateTask(ctx context.Context, task *queue.Task) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO tasks (id, queue, task_type, task_name, payload, status, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Queue, task.TaskType, task.TaskName, task.Payload, task.Status,
		task.RetryCount, task.MaxRetries, task.ScheduledAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimTask atomically claims the next due task in the given queues,
// reclaiming processing tasks whose lock expired with their worker.
func (s *TaskStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tasks SET
			status = 'processing',
			locked_until = now() + $1,
			locked_by = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = ANY($3)
			  AND scheduled_at <= now()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < now()))
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, taskColumns),
		lockDuration, workerID, queues)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNoTaskToClaim
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// CompleteTask marks the task done and releases its lock.
func (s *TaskStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'completed',
			processed_at = now(),
			locked_until = NULL,
			locked_by = NULL
		WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return nil
}

// FailTask records the error and either reschedules the task after the retry
// delay or marks it failed when the budget is exhausted.
func (s *TaskStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			retry_count = retry_count + 1,
			error = $2,
			status = CASE WHEN retry_count + 1 <= max_retries THEN 'pending' ELSE 'failed' END,
			scheduled_at = CASE WHEN retry_count + 1 <= max_retries THEN now() + $3 ELSE scheduled_at END,
			locked_until = NULL,
			locked_by = NULL
		WHERE id = $1`, taskID, errorMsg, s.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", taskID, err)
	}
	return nil
}

// MoveToDLQ moves the task into the dead letter queue in one statement.
func (s *TaskStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM tasks WHERE id = $1 RETURNING *
		)
		INSERT INTO tasks_dlq (id, task_id, queue, task_type, task_name, payload, error, retry_count, failed_at, created_at)
		SELECT gen_random_uuid(), id, queue, task_type, task_name, payload, COALESCE(error, ''), retry_count, now(), now()
		FROM moved`, taskID)
	if err != nil {
		return fmt.Errorf("failed to move task %s to dlq: %w", taskID, err)
	}
	return nil
}

// GetPendingTaskByName returns an unfinished task with the given name, used
// by the scheduler to suppress duplicate periodic tasks.
func (s *TaskStorage) GetPendingTaskByName(ctx context.Context, taskName string) (*queue.Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE task_name = $1 AND status IN ('pending', 'processing')
		ORDER BY scheduled_at
		LIMIT 1`, taskColumns), taskName)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get pending task %q: %w", taskName, err)
	}
	return task, nil
}

// ListDLQ returns dead letter entries, newest first.
func (s *TaskStorage) ListDLQ(ctx context.Context, limit int) ([]*queue.TasksDlq, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, queue, task_type, task_name, payload, error, retry_count, failed_at, created_at
		FROM tasks_dlq
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*queue.TasksDlq
	for rows.Next() {
		var e queue.TasksDlq
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Queue, &e.TaskType, &e.TaskName,
			&e.Payload, &e.Error, &e.RetryCount, &e.FailedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ queue.Storage = (*TaskStorage)(nil)
