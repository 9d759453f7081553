package acme

import "time"

// Config holds the issuance tunables. Production defaults assume Let's
// Encrypt; tests use short durations and a stub authority.
type Config struct {
	DirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	Email        string `env:"ACME_CONTACT_EMAIL,required"`

	// PropagationDelay is observed once before any challenge answers are
	// submitted, giving DNS changes time to become globally visible.
	PropagationDelay time.Duration `env:"ACME_PROPAGATION_DELAY" envDefault:"1m"`

	// PollInterval and PollTimeout bound the order finalization wait.
	PollInterval time.Duration `env:"ACME_POLL_INTERVAL" envDefault:"5s"`
	PollTimeout  time.Duration `env:"ACME_POLL_TIMEOUT" envDefault:"5m"`
}
