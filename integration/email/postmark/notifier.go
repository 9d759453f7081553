package postmark

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"

	"github.com/mrz1836/postmark"

	"github.com/dmitrymomot/domainbroker/core/broker"
)

var (
	// ErrInvalidConfig is returned when required Postmark settings are
	// missing or malformed.
	ErrInvalidConfig = errors.New("postmark: invalid config")

	// ErrFailedToSendEmail wraps delivery failures.
	ErrFailedToSendEmail = errors.New("postmark: failed to send email")
)

// Notifier delivers operation failure alerts over Postmark's transactional
// API. It implements alert.Notifier.
type Notifier struct {
	client *postmark.Client
	config Config
}

// New creates a Postmark-backed failure notifier. All settings are required;
// misconfiguration fails at startup rather than silently dropping alerts in
// production.
func New(cfg Config) (*Notifier, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: ServerToken is required", ErrInvalidConfig)
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: AccountToken is required", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.AlertEmail) {
		return nil, fmt.Errorf("%w: AlertEmail must be a valid email address", ErrInvalidConfig)
	}

	return &Notifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

// OperationFailed sends one alert email describing the failed operation and
// its cause.
func (n *Notifier) OperationFailed(ctx context.Context, op *broker.Operation, cause error) error {
	causeText := "unknown"
	if cause != nil {
		causeText = cause.Error()
	}

	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:    n.config.SenderEmail,
		To:      n.config.AlertEmail,
		Subject: fmt.Sprintf("[domainbroker] %s operation %d failed", op.Action, op.ID),
		Tag:     "operation-failed",
		HTMLBody: fmt.Sprintf(
			"<p>Operation <strong>%d</strong> (%s) on instance <strong>%s</strong> failed.</p>"+
				"<p>Last step: %s</p><p>Cause: <code>%s</code></p>",
			op.ID,
			html.EscapeString(string(op.Action)),
			html.EscapeString(op.InstanceID),
			html.EscapeString(op.StepDescription),
			html.EscapeString(causeText),
		),
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}
