// Package mailer sends capsule delivery email. Two drivers share one
// interface: the Resend HTTP API and plain SMTP.
package mailer

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "capsuled/pkg/logx"
)

// Message is one outbound email.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Mailer sends a single message. Implementations return an error for any
// non-accepted outcome; the delivery pipeline decides whether to retry.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// Config configures the mailer.
type Config struct {
	Driver      string // "resend" or "smtp"
	FromAddress string
	FromName    string
	BaseURL     string  // resend only; override for tests
	SMTPHost    string
	SMTPPort    int
	RatePerSec  float64 // 0 disables client-side throttling
	Timeout     time.Duration
}

// Credentials are the secret half of the mailer configuration.
type Credentials struct {
	ResendAPIKey string
	SMTPUsername string
	SMTPPassword string
}

// Open builds the configured driver, wrapped with a client-side rate limit
// when one is set.
func Open(cfg Config, creds Credentials, log logx.Logger) (Mailer, error) {
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, errors.New("mailer from_address is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		m   Mailer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "resend":
		m, err = newResend(cfg, creds.ResendAPIKey, log)
	case "smtp":
		m, err = newSMTP(cfg, creds, log)
	default:
		return nil, errors.New("unknown mailer driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RatePerSec > 0 {
		m = &throttled{
			inner: m,
			lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		}
	}
	return m, nil
}

// throttled spaces out sends so provider rate limits are not tripped during a
// large fan-out.
type throttled struct {
	inner Mailer
	lim   *rate.Limiter
}

func (t *throttled) Send(ctx context.Context, m Message) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Send(ctx, m)
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
