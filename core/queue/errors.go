package queue

import "errors"

// Package-level errors. Use errors.Is() for classification.
var (
	ErrRepositoryNil   = errors.New("repository cannot be nil")
	ErrPayloadNil      = errors.New("payload cannot be nil")
	ErrNoTaskToClaim   = errors.New("no task available to claim")
	ErrNoHandlers      = errors.New("no handlers registered")
	ErrHandlerNotFound = errors.New("no handler registered for task type")

	// ErrPermanent marks a handler failure that must not be retried even
	// when retry budget remains: the task goes straight to the dead letter
	// queue and the failure hook fires. Wrap it with errors.Join or
	// fmt.Errorf("%w", ...).
	ErrPermanent = errors.New("permanent task failure")

	ErrTaskAlreadyRegistered  = errors.New("periodic task already registered")
	ErrSchedulerNotConfigured = errors.New("scheduler has no registered tasks")

	ErrHealthcheckFailed = errors.New("queue healthcheck failed")
	ErrWorkerNotRunning  = errors.New("worker is not running")
	ErrWorkerOverloaded  = errors.New("all worker slots are busy")
)
