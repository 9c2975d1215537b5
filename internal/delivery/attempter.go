package delivery

import (
	"context"
	"strings"

	"capsuled/internal/capsule"
	"capsuled/internal/mailer"
)

// MailAttempter sends the composed delivery email through a Mailer.
type MailAttempter struct {
	mailer mailer.Mailer
	// viewBaseURL, when set, adds an "open your capsule" link pointing at
	// <viewBaseURL>/capsules/<id>.
	viewBaseURL string
}

func NewMailAttempter(m mailer.Mailer, viewBaseURL string) *MailAttempter {
	return &MailAttempter{
		mailer:      m,
		viewBaseURL: strings.TrimRight(viewBaseURL, "/"),
	}
}

func (a *MailAttempter) Attempt(ctx context.Context, c *capsule.Capsule, t capsule.Target, reflection string) error {
	viewURL := ""
	if a.viewBaseURL != "" {
		viewURL = a.viewBaseURL + "/capsules/" + c.ID
	}
	msg, err := mailer.Compose(c, t.Name, reflection, viewURL)
	if err != nil {
		return err
	}
	msg.To = t.Email
	msg.ToName = t.Name
	return a.mailer.Send(ctx, msg)
}
