// Package alert defines the failure notification seam. The pipeline runner
// fires a notification when an operation fails terminally; implementations
// decide the delivery channel.
package alert

import (
	"context"
	"io"
	"log/slog"

	"github.com/dmitrymomot/domainbroker/core/broker"
	"github.com/dmitrymomot/domainbroker/core/logger"
)

// Notifier delivers operation failure notifications. Calls are
// fire-and-forget from the caller's perspective: a delivery error is logged
// by the caller but never fails the operation bookkeeping itself.
type Notifier interface {
	OperationFailed(ctx context.Context, op *broker.Operation, cause error) error
}

// LogNotifier writes failure notifications to the structured log. It is the
// default Notifier and the fallback when no email channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) OperationFailed(ctx context.Context, op *broker.Operation, cause error) error {
	n.logger.ErrorContext(ctx, "operation failed",
		logger.OperationID(op.ID),
		logger.InstanceID(op.InstanceID),
		slog.String("action", string(op.Action)),
		slog.String("step", op.StepDescription),
		logger.Error(cause))
	return nil
}
