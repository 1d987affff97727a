package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/user"
)

const lockoutText = `Someone tried to sign in to your account too many times and further
attempts are temporarily blocked.

If this was you, wait a minute and try again. If it was not, consider
changing your password.
`

const resetText = `You requested a password reset. Open the link below to choose a new
password. The link expires in {{.Expiry}}.

{{.Link}}

If you did not request a reset, ignore this email.
`

const twoFactorDisabledText = `Two-factor authentication was removed from your account.

If you did not do this, your account may be compromised. Reset your
password and re-enable two-factor authentication immediately.
`

const recoveryCodesText = `A new set of two-factor recovery codes was generated for your account.
Your previous codes no longer work.

If you did not do this, review your account security.
`

// Notices turns security events into email. It implements events.Sink so it
// can hang off the same dispatch path as logging.
type Notices struct {
	sender Sender
	users  user.Repository
}

func NewNotices(sender Sender, users user.Repository) *Notices {
	return &Notices{sender: sender, users: users}
}

// SendLockoutNotice warns the mailbox that its login is throttled.
func (n *Notices) SendLockoutNotice(email string) error {
	return n.sender.Send(Message{
		To:      email,
		Subject: "Sign-in attempts blocked",
		Text:    lockoutText,
	})
}

// SendPasswordResetLink mails the reset URL for the account.
func (n *Notices) SendPasswordResetLink(email, link, expiry string) error {
	body, err := renderTemplate(resetText, map[string]string{
		"Link":   link,
		"Expiry": expiry,
	})
	if err != nil {
		return err
	}
	return n.sender.Send(Message{
		To:      email,
		Subject: "Reset your password",
		Text:    body,
	})
}

// SendTwoFactorDisabledNotice tells the account two-factor was turned off.
func (n *Notices) SendTwoFactorDisabledNotice(email string) error {
	return n.sender.Send(Message{
		To:      email,
		Subject: "Two-factor authentication disabled",
		Text:    twoFactorDisabledText,
	})
}

// SendRecoveryCodesNotice tells the account its recovery codes changed.
func (n *Notices) SendRecoveryCodesNotice(email string) error {
	return n.sender.Send(Message{
		To:      email,
		Subject: "New recovery codes generated",
		Text:    recoveryCodesText,
	})
}

// Dispatch reacts to the security events that warrant email. Delivery
// failures are logged, never propagated into the authentication path.
func (n *Notices) Dispatch(ctx context.Context, event events.Event) {
	var err error
	switch event.Type {
	case events.Lockout:
		email, _ := event.Data["email"].(string)
		if email == "" {
			return
		}
		err = n.SendLockoutNotice(email)
	case events.TwoFactorDisabled:
		err = n.notifyUser(ctx, event, n.SendTwoFactorDisabledNotice)
	case events.RecoveryCodesGenerated:
		err = n.notifyUser(ctx, event, n.SendRecoveryCodesNotice)
	default:
		return
	}
	if err != nil {
		slog.Error("Failed to send security notice", "type", event.Type, "err", err)
	}
}

func (n *Notices) notifyUser(ctx context.Context, event events.Event, send func(string) error) error {
	u, err := n.users.FindByID(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to find user for notice: %w", err)
	}
	return send(u.Email)
}

func renderTemplate(text string, data map[string]string) (string, error) {
	tmpl, err := template.New("notice").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse notice template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render notice template: %w", err)
	}
	return buf.String(), nil
}
