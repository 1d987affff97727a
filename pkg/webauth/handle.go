// Package webauth is the HTTP surface of the authentication service: login
// and logout, two-factor challenges, enrollment management, and password
// reset, all session-cookie based.
package webauth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veridian-id/veridian/pkg/authflow"
	"github.com/veridian-id/veridian/pkg/challenge"
	"github.com/veridian-id/veridian/pkg/notify"
	"github.com/veridian-id/veridian/pkg/resettoken"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/twofa"
	"github.com/veridian-id/veridian/pkg/user"
)

const (
	// DefaultPasswordConfirmTTL is how long a password confirmation keeps
	// the sensitive endpoints open.
	DefaultPasswordConfirmTTL = 3 * time.Hour

	// DefaultRememberTTL is the lifetime of a remembered session cookie.
	DefaultRememberTTL = 30 * 24 * time.Hour
)

// Handle carries the services the HTTP handlers delegate to.
type Handle struct {
	flow      *authflow.FlowExecutor
	resolver  *challenge.Resolver
	twoFactor *twofa.Service
	users     user.Repository
	sessions  session.Store
	tokens    *resettoken.Service
	notices   *notify.Notices

	passwordConfirmTTL time.Duration
	rememberTTL        time.Duration
	resetURL           string
	secureCookies      bool
	qrSize             int
}

type Option func(*Handle)

// WithPasswordConfirmTTL overrides the confirmation freshness window.
func WithPasswordConfirmTTL(ttl time.Duration) Option {
	return func(h *Handle) {
		h.passwordConfirmTTL = ttl
	}
}

// WithRememberTTL overrides the remembered-cookie lifetime.
func WithRememberTTL(ttl time.Duration) Option {
	return func(h *Handle) {
		h.rememberTTL = ttl
	}
}

// WithResetURL sets the base URL embedded in password reset email.
func WithResetURL(base string) Option {
	return func(h *Handle) {
		h.resetURL = base
	}
}

// WithSecureCookies marks session cookies Secure. On by default; turn off
// only for plain-HTTP development setups.
func WithSecureCookies(secure bool) Option {
	return func(h *Handle) {
		h.secureCookies = secure
	}
}

func NewHandle(
	flow *authflow.FlowExecutor,
	resolver *challenge.Resolver,
	twoFactor *twofa.Service,
	users user.Repository,
	sessions session.Store,
	tokens *resettoken.Service,
	notices *notify.Notices,
	opts ...Option,
) *Handle {
	h := &Handle{
		flow:               flow,
		resolver:           resolver,
		twoFactor:          twoFactor,
		users:              users,
		sessions:           sessions,
		tokens:             tokens,
		notices:            notices,
		passwordConfirmTTL: DefaultPasswordConfirmTTL,
		rememberTTL:        DefaultRememberTTL,
		resetURL:           "/reset-password",
		secureCookies:      true,
		qrSize:             200,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the authentication endpoints.
func Routes(r chi.Router, h *Handle) {
	r.Use(h.WithSession)

	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/two-factor-challenge", h.GetChallenge)
	r.Post("/two-factor-challenge", h.PostChallenge)

	r.Post("/forgot-password", h.ForgotPassword)
	r.Get("/two-factor-reset-challenge", h.GetResetChallenge)
	r.Post("/two-factor-reset-challenge", h.PostResetChallenge)
	r.Post("/reset-password", h.ResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)

		r.Get("/user", h.GetUser)
		r.Post("/user/confirm-password", h.ConfirmPassword)
		r.Get("/user/confirmed-password-status", h.ConfirmedPasswordStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.RequirePasswordConfirmed)

			r.Post("/user/two-factor-authentication", h.EnableTwoFactor)
			r.Delete("/user/two-factor-authentication", h.DisableTwoFactor)
			r.Post("/user/confirmed-two-factor-authentication", h.ConfirmTwoFactor)
			r.Get("/user/two-factor-qr-code", h.GetTwoFactorQRCode)
			r.Get("/user/two-factor-secret-key", h.GetTwoFactorSecretKey)
			r.Get("/user/two-factor-recovery-codes", h.GetRecoveryCodes)
			r.Post("/user/two-factor-recovery-codes", h.RegenerateRecoveryCodes)
		})
	})
}

func (h *Handle) findUserByIDString(ctx context.Context, raw string) (user.User, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return user.User{}, fmt.Errorf("malformed user ID in session: %w", err)
	}
	return h.users.FindByID(ctx, id)
}
