package postmark

// Config holds Postmark delivery settings with environment variable mapping.
type Config struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN,required"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN,required"`

	// SenderEmail is the From address; it must be a verified Postmark sender
	// signature.
	SenderEmail string `env:"POSTMARK_SENDER_EMAIL,required"`

	// AlertEmail receives operation failure notifications.
	AlertEmail string `env:"POSTMARK_ALERT_EMAIL,required"`
}
