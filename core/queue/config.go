package queue

import "time"

// Config holds the configuration for worker, scheduler, and enqueuer components.
// Designed for environment-based configuration using the env parsing library.
//
// RetryDelay and DefaultMaxRetries implement the fixed-backoff retry policy
// for pipeline steps: a failed retriable task is rescheduled RetryDelay in
// the future until its retry budget is spent. The production defaults give a
// step roughly a four-hour recovery window; tests override them with values
// in the millisecond range.
type Config struct {
	// Worker configuration
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"15m"`
	ShutdownTimeout    time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"10"`
	Queues             []string      `env:"QUEUE_WORKER_QUEUES" envDefault:"default" envSeparator:","`

	// Retry policy
	RetryDelay        time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"10m"`
	DefaultMaxRetries int           `env:"QUEUE_DEFAULT_MAX_RETRIES" envDefault:"23"`

	// Scheduler configuration
	CheckInterval time.Duration `env:"QUEUE_CHECK_INTERVAL" envDefault:"30s"`

	// Enqueuer configuration
	DefaultQueue string `env:"QUEUE_DEFAULT_QUEUE" envDefault:"default"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		LockTimeout:        15 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		MaxConcurrentTasks: 10,
		Queues:             []string{DefaultQueueName},
		RetryDelay:         10 * time.Minute,
		DefaultMaxRetries:  23,
		CheckInterval:      30 * time.Second,
		DefaultQueue:       DefaultQueueName,
	}
}
