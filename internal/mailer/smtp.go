package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	logx "capsuled/pkg/logx"
)

type smtpMailer struct {
	addr    string
	host    string
	auth    smtp.Auth
	from    string
	fromHdr string
	timeout time.Duration
	log     logx.Logger

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func newSMTP(cfg Config, creds Credentials, log logx.Logger) (*smtpMailer, error) {
	if cfg.SMTPHost == "" {
		return nil, errors.New("smtp host is required")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var auth smtp.Auth
	if creds.SMTPUsername != "" {
		auth = smtp.PlainAuth("", creds.SMTPUsername, creds.SMTPPassword, cfg.SMTPHost)
	}
	return &smtpMailer{
		addr:     fmt.Sprintf("%s:%d", cfg.SMTPHost, port),
		host:     cfg.SMTPHost,
		auth:     auth,
		from:     cfg.FromAddress,
		fromHdr:  formatAddress(cfg.FromName, cfg.FromAddress),
		timeout:  timeout,
		log:      log,
		sendMail: smtp.SendMail,
	}, nil
}

func (s *smtpMailer) Send(ctx context.Context, m Message) error {
	msg := s.build(m)

	// net/smtp has no context support; run it under a deadline goroutine so a
	// wedged server cannot stall the whole fan-out.
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from, []string{m.To}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *smtpMailer) build(m Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.fromHdr)
	fmt.Fprintf(&b, "To: %s\r\n", formatAddress(m.ToName, m.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	if m.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(m.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(m.Text)
	}
	return []byte(b.String())
}
