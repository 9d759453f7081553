package scanner

import "time"

// Config configures both safety-net scanners.
type Config struct {
	// RecoveryInterval is how often the recovery scan runs.
	RecoveryInterval time.Duration `env:"SCANNER_RECOVERY_INTERVAL" envDefault:"5m"`

	// Staleness is how long an in-progress operation may go without progress
	// before the recovery scan resumes its chain.
	Staleness time.Duration `env:"SCANNER_STALENESS" envDefault:"15m"`

	// RenewalWindow is how far ahead of certificate expiry the renewal scan
	// starts a renew operation.
	RenewalWindow time.Duration `env:"SCANNER_RENEWAL_WINDOW" envDefault:"720h"`

	// RenewalHourUTC and RenewalMinuteUTC pin the daily renewal scan.
	RenewalHourUTC   int `env:"SCANNER_RENEWAL_HOUR_UTC" envDefault:"3"`
	RenewalMinuteUTC int `env:"SCANNER_RENEWAL_MINUTE_UTC" envDefault:"0"`

	// LockTTL bounds how long a scan holds the leader lock.
	LockTTL time.Duration `env:"SCANNER_LOCK_TTL" envDefault:"10m"`
}
