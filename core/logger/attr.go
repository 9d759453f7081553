package logger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Attribute helpers use the empty Attr pattern for nil safety.
// This allows calls like log.Info("msg", logger.Error(err)) without explicit nil checks,
// following the principle of making zero values useful.

// Error creates an attribute for a single error under the key "error".
// Returns empty Attr for nil errors, enabling safe usage without nil checks.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed calculates and logs the duration since the start time.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// Component identifies the subsystem emitting the log record.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// OperationID tags a record with the lifecycle operation it belongs to.
func OperationID(id int64) slog.Attr {
	return slog.Int64("operation_id", id)
}

// CorrelationID tags a record with the chain correlation token.
// Returns empty Attr for the nil UUID.
func CorrelationID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("correlation_id", id.String())
}

// InstanceID tags a record with the service instance identifier.
func InstanceID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("instance_id", id)
}

// Step tags a record with the pipeline step name.
func Step(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("step", name)
}
