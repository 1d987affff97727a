// Package notify delivers security email to account holders: lockout
// warnings, password reset links, and notices about two-factor changes.
package notify

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages. Satisfied by Mailer in production and by fakes
// in tests.
type Sender interface {
	Send(msg Message) error
}

// LogSender writes messages to the log instead of delivering them. For
// development setups without an SMTP server.
type LogSender struct{}

func (LogSender) Send(msg Message) error {
	slog.Info("Email suppressed, no SMTP configured", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
}

// Mailer sends messages over SMTP.
type Mailer struct {
	config SMTPConfig
	client *mail.Client
}

func NewMailer(config SMTPConfig) (*Mailer, error) {
	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTimeout(30 * time.Second),
	}

	// Only add authentication if username and password are provided
	if config.Username != "" && config.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}

	if !config.TLS {
		slog.Info("Using NoTLS policy for outbound mail")
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{
				InsecureSkipVerify: true,
			}),
			mail.WithTLSPolicy(mail.NoTLS),
		)
	} else {
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{
				InsecureSkipVerify: true,
			}),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	}

	slog.Info("Creating mail client", "host", config.Host, "port", config.Port)
	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	return &Mailer{config: config, client: client}, nil
}

func (m *Mailer) Send(msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("message requires a recipient")
	}

	out := mail.NewMsg()
	if err := out.From(m.config.From); err != nil {
		return fmt.Errorf("failed to set from address: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return fmt.Errorf("failed to set to address: %w", err)
	}
	out.Subject(msg.Subject)

	if msg.Text != "" {
		out.SetBodyString(mail.TypeTextPlain, msg.Text)
	}
	if msg.HTML != "" {
		if msg.Text != "" {
			out.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
		} else {
			out.SetBodyString(mail.TypeTextHTML, msg.HTML)
		}
	}

	if err := m.client.DialAndSend(out); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	slog.Info("Email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}
