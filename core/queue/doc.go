// Package queue provides the durable task queue that drives certificate
// pipelines: at-least-once execution, fixed-delay retries with per-task
// budgets, a dead letter queue, and periodic task scheduling.
//
// # Features
//
//   - Task enqueueing with per-task retry budgets
//   - Background workers with concurrent processing and panic recovery
//   - Lock-based claiming so crashed workers' tasks become claimable again
//   - Permanent-failure short-circuit via ErrPermanent
//   - Terminal failure hook for operation bookkeeping and alerting
//   - Periodic task scheduling with duplicate suppression
//   - In-memory storage for testing and development
//   - Type-safe task handlers using Go generics
//
// # Basic Usage
//
// Create a queue system with enqueuer, worker, and scheduler:
//
//	import "github.com/dmitrymomot/domainbroker/core/queue"
//
//	// Create storage (in-memory for development)
//	storage := queue.NewMemoryStorage()
//
//	// Create enqueuer for adding tasks
//	enqueuer, err := queue.NewEnqueuer(storage,
//		queue.WithDefaultQueue("certificates"),
//		queue.WithDefaultMaxRetries(23),
//	)
//
//	// Create worker for processing tasks
//	worker, err := queue.NewWorker(storage,
//		queue.WithQueues("certificates"),
//		queue.WithMaxConcurrentTasks(5),
//		queue.WithPullInterval(time.Second),
//	)
//
//	// Define payload type
//	type IssueCertificate struct {
//		OperationID int64 `json:"operation_id"`
//	}
//
//	// Register type-safe handler
//	handler := queue.NewTaskHandler(func(ctx context.Context, p IssueCertificate) error {
//		return issue(ctx, p.OperationID)
//	})
//	worker.RegisterHandler(handler)
//
//	// Start worker
//	ctx := context.Background()
//	go worker.Start(ctx)
//
//	// Enqueue tasks
//	err = enqueuer.Enqueue(ctx, IssueCertificate{OperationID: 42})
//
// # Retry Semantics
//
// A handler error reschedules the task after the storage's retry delay until
// the retry budget is spent; then the task moves to the dead letter queue and
// the worker's failure hook fires once. Wrapping ErrPermanent in the returned
// error skips the remaining budget. Tasks enqueued with WithMaxRetries(0)
// fail permanently on their first error.
//
// # Scheduling
//
// The Scheduler creates periodic tasks from Schedule implementations
// (queue.Every, queue.DailyAt). It only creates task rows; workers execute
// them, so any number of scheduler instances can run concurrently without
// duplicating work.
package queue
