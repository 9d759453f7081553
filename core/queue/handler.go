package queue

import (
	"context"
	"encoding/json"
)

type (
	// Handler processes one kind of task the worker claims. The broker wires
	// three of these: the pipeline step handler that advances operation
	// chains, and the periodic recovery and renewal scan handlers.
	Handler interface {
		// Name is the task name the worker routes on. Chain step tasks all
		// share one name; periodic tasks are named by the scheduler entry.
		Name() string
		// Handle processes the raw task payload. A returned error counts
		// against the task's retry budget; wrap with ErrPermanent to skip
		// the remaining budget and dead-letter immediately.
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// TaskHandlerFunc is a typed handler for one-time tasks. For chain step
	// tasks T carries the operation id, correlation id, and step index.
	TaskHandlerFunc[T any] func(ctx context.Context, payload T) error

	// PeriodicTaskHandlerFunc handles scheduler-generated tasks. Periodic
	// tasks carry no payload; the scans derive their work from the store.
	PeriodicTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler wraps a typed handler for one-time tasks, deriving the task
// name from the payload type. Enqueuer and worker derive the same name from
// the same type, which is what keeps a step task enqueued by one process
// routable by another.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return &oneTimeTaskHandler[T]{
		name:    qualifiedStructName(payload),
		handler: handler,
	}
}

// NewPeriodicTaskHandler wraps a handler for periodic tasks under an explicit
// name, matched by the scheduler's AddTask entry.
func NewPeriodicTaskHandler(name string, handler PeriodicTaskHandlerFunc) Handler {
	return &periodicTaskHandler{
		name:    name,
		handler: handler,
	}
}

type oneTimeTaskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *oneTimeTaskHandler[T]) Name() string {
	return h.name
}

func (h *oneTimeTaskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return err
	}
	return h.handler(ctx, t)
}

type periodicTaskHandler struct {
	name    string
	handler PeriodicTaskHandlerFunc
}

func (h *periodicTaskHandler) Name() string {
	return h.name
}

func (h *periodicTaskHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.handler(ctx)
}
