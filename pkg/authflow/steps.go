package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/password"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/throttle"
	"github.com/veridian-id/veridian/pkg/user"
)

// dummyHash keeps credential checks for unknown emails as slow as checks for
// known ones. Hash of an unguessable throwaway value.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// EnsureNotThrottledStep rejects the attempt when the email/IP pair is locked
// out, before any credential work happens.
type EnsureNotThrottledStep struct{}

func NewEnsureNotThrottledStep() *EnsureNotThrottledStep {
	return &EnsureNotThrottledStep{}
}

func (s *EnsureNotThrottledStep) Name() string {
	return "ensure_not_throttled"
}

func (s *EnsureNotThrottledStep) Order() int {
	return OrderEnsureNotThrottled
}

func (s *EnsureNotThrottledStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.Services.Limiter == nil
}

func (s *EnsureNotThrottledStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	key := throttle.Key(flowContext.Request.Email, flowContext.Request.IPAddress)
	flowContext.ThrottleKey = key

	locked, err := flowContext.Services.Limiter.TooManyAttempts(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check throttle: %w", err)
	}
	if !locked {
		return &StepResult{Continue: true}, nil
	}

	retryAfter, err := flowContext.Services.Limiter.AvailableIn(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read throttle delay: %w", err)
	}

	slog.Warn("Login throttled", "ip", flowContext.Request.IPAddress, "retryAfter", retryAfter)
	events.Dispatch(ctx, flowContext.Services.Sink, events.Lockout, flowContext.Result.UserID, map[string]interface{}{
		"email": flowContext.Request.Email,
		"ip":    flowContext.Request.IPAddress,
	})

	return &StepResult{Err: &ThrottledError{RetryAfter: retryAfter}}, nil
}

// CanonicalizeEmailStep normalizes the submitted email for lookup.
type CanonicalizeEmailStep struct{}

func NewCanonicalizeEmailStep() *CanonicalizeEmailStep {
	return &CanonicalizeEmailStep{}
}

func (s *CanonicalizeEmailStep) Name() string {
	return "canonicalize_email"
}

func (s *CanonicalizeEmailStep) Order() int {
	return OrderCanonicalizeEmail
}

func (s *CanonicalizeEmailStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return false
}

func (s *CanonicalizeEmailStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	flowContext.Request.Email = strings.ToLower(strings.TrimSpace(flowContext.Request.Email))
	return &StepResult{Continue: true}, nil
}

// RedirectIfTwoFactorStep validates credentials and, when the account has a
// confirmed two-factor enrollment, parks the login in the session as a
// pending challenge instead of completing it.
type RedirectIfTwoFactorStep struct{}

func NewRedirectIfTwoFactorStep() *RedirectIfTwoFactorStep {
	return &RedirectIfTwoFactorStep{}
}

func (s *RedirectIfTwoFactorStep) Name() string {
	return "redirect_if_two_factor"
}

func (s *RedirectIfTwoFactorStep) Order() int {
	return OrderRedirectIfTwoFactor
}

func (s *RedirectIfTwoFactorStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return false
}

func (s *RedirectIfTwoFactorStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	u, result, err := validateCredentials(ctx, flowContext)
	if u == nil {
		return result, err
	}

	if !u.HasConfirmedTwoFactor() {
		flowContext.User = u
		return &StepResult{Continue: true}, nil
	}

	sessions := flowContext.Services.Sessions
	sid := flowContext.Request.SessionID
	remember := "0"
	if flowContext.Request.Remember {
		remember = "1"
	}
	if err := sessions.Put(ctx, sid, session.KeyLoginID, u.ID.String()); err != nil {
		return nil, fmt.Errorf("failed to store pending challenge: %w", err)
	}
	if err := sessions.Put(ctx, sid, session.KeyLoginRemember, remember); err != nil {
		return nil, fmt.Errorf("failed to store pending challenge: %w", err)
	}
	if err := sessions.Put(ctx, sid, session.KeyLoginChallengedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("failed to store pending challenge: %w", err)
	}
	if flowContext.ThrottleKey != "" {
		if err := sessions.Put(ctx, sid, session.KeyLoginThrottleKey, flowContext.ThrottleKey); err != nil {
			return nil, fmt.Errorf("failed to store pending challenge: %w", err)
		}
	}

	events.Dispatch(ctx, flowContext.Services.Sink, events.TwoFactorChallenged, u.ID, nil)

	flowContext.Result.TwoFactorRequired = true
	return &StepResult{EarlyReturn: true}, nil
}

// AttemptAuthenticateStep validates credentials when no earlier step already
// has.
type AttemptAuthenticateStep struct{}

func NewAttemptAuthenticateStep() *AttemptAuthenticateStep {
	return &AttemptAuthenticateStep{}
}

func (s *AttemptAuthenticateStep) Name() string {
	return "attempt_authenticate"
}

func (s *AttemptAuthenticateStep) Order() int {
	return OrderAttemptAuthenticate
}

func (s *AttemptAuthenticateStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.User != nil
}

func (s *AttemptAuthenticateStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	u, result, err := validateCredentials(ctx, flowContext)
	if u == nil {
		return result, err
	}
	flowContext.User = u
	return &StepResult{Continue: true}, nil
}

// PrepareSessionStep finalizes a password-only login: regenerate the session
// ID, mark the session authenticated, and clear the throttle counter.
type PrepareSessionStep struct{}

func NewPrepareSessionStep() *PrepareSessionStep {
	return &PrepareSessionStep{}
}

func (s *PrepareSessionStep) Name() string {
	return "prepare_session"
}

func (s *PrepareSessionStep) Order() int {
	return OrderPrepareSession
}

func (s *PrepareSessionStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.User == nil
}

func (s *PrepareSessionStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	u := flowContext.User
	sessions := flowContext.Services.Sessions

	newSID, err := sessions.Regenerate(ctx, flowContext.Request.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to regenerate session: %w", err)
	}
	if err := sessions.Put(ctx, newSID, session.KeyUserID, u.ID.String()); err != nil {
		return nil, fmt.Errorf("failed to mark session authenticated: %w", err)
	}

	if flowContext.Services.Limiter != nil && flowContext.ThrottleKey != "" {
		if err := flowContext.Services.Limiter.Clear(ctx, flowContext.ThrottleKey); err != nil {
			slog.Warn("Failed to clear login throttle", "err", err)
		}
	}

	flowContext.Result.UserID = u.ID
	flowContext.Result.SessionID = newSID
	events.Dispatch(ctx, flowContext.Services.Sink, events.Authenticated, u.ID, map[string]interface{}{
		"remember": flowContext.Request.Remember,
	})

	return &StepResult{Continue: true}, nil
}

// validateCredentials looks the user up and checks the password. Every
// failure path hits the limiter and yields the same ErrInvalidCredentials.
// Returns a non-nil user only on success.
func validateCredentials(ctx context.Context, flowContext *FlowContext) (*user.User, *StepResult, error) {
	services := flowContext.Services
	request := flowContext.Request

	if request.Password == "" {
		return nil, failInvalidCredentials(ctx, flowContext, user.User{}), nil
	}

	u, err := services.Users.FindByEmail(ctx, request.Email)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}

	hash := u.PasswordHash
	if errors.Is(err, user.ErrNotFound) || hash == "" {
		hash = dummyHash
	}
	ok, checkErr := password.Check(request.Password, hash)
	if checkErr != nil {
		return nil, nil, fmt.Errorf("failed to check password: %w", checkErr)
	}
	if errors.Is(err, user.ErrNotFound) || !ok {
		return nil, failInvalidCredentials(ctx, flowContext, u), nil
	}

	rehashPassword(ctx, services.Users, u, request.Password)

	return &u, nil, nil
}

func failInvalidCredentials(ctx context.Context, flowContext *FlowContext, u user.User) *StepResult {
	services := flowContext.Services

	if services.Limiter != nil {
		if flowContext.ThrottleKey == "" {
			flowContext.ThrottleKey = throttle.Key(flowContext.Request.Email, flowContext.Request.IPAddress)
		}
		if err := services.Limiter.Hit(ctx, flowContext.ThrottleKey); err != nil {
			slog.Warn("Failed to record throttle hit", "err", err)
		}
	}

	events.Dispatch(ctx, services.Sink, events.LoginFailed, u.ID, map[string]interface{}{
		"email": flowContext.Request.Email,
		"ip":    flowContext.Request.IPAddress,
	})

	return &StepResult{Err: ErrInvalidCredentials}
}

// rehashPassword upgrades the stored hash when the cost parameters changed.
// Login succeeds either way.
func rehashPassword(ctx context.Context, users user.Repository, u user.User, plaintext string) {
	if !password.NeedsRehash(u.PasswordHash) {
		return
	}
	rehashed, err := password.Hash(plaintext)
	if err != nil {
		slog.Warn("Failed to rehash password", "err", err)
		return
	}
	u.PasswordHash = rehashed
	if _, err := users.Save(ctx, u); err != nil {
		slog.Warn("Failed to persist rehashed password", "err", err)
	}
}
