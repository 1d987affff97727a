// Package challenge resolves pending two-factor challenges: the second half
// of a login that the pipeline parked in the session, and the equivalent gate
// on password resets for enrolled accounts.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/resettoken"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/throttle"
	"github.com/veridian-id/veridian/pkg/twofa"
	"github.com/veridian-id/veridian/pkg/user"
)

const (
	// DefaultMaxAge is how long an issued challenge stays resolvable.
	DefaultMaxAge = 15 * time.Minute

	// ResetConfirmationWindow is how long a completed reset challenge
	// authorizes the actual password change.
	ResetConfirmationWindow = 24 * time.Hour
)

var (
	// ErrNoChallenge means the session holds no live challenge: none was
	// ever issued, or the issued one expired.
	ErrNoChallenge = errors.New("no pending two-factor challenge")

	// ErrInvalidCode means the submitted code or recovery code did not
	// verify. The challenge stays pending.
	ErrInvalidCode = errors.New("invalid two-factor code")
)

// ThrottledError is returned when a challenge has exhausted its attempts.
// RetryAfter is how long until the window reopens.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many two-factor attempts, retry in %s", e.RetryAfter)
}

// IsThrottled reports whether err is a throttling failure and, when it is,
// returns the retry delay.
func IsThrottled(err error) (time.Duration, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter, true
	}
	return 0, false
}

// Input is a challenge resolution attempt. RecoveryCode takes precedence
// over Code when both are present.
type Input struct {
	SessionID    string
	Code         string
	RecoveryCode string
}

// Outcome describes a successfully resolved challenge.
type Outcome struct {
	UserID uuid.UUID

	// SessionID is the regenerated session ID.
	SessionID string

	// Remember carries the remember-me choice made at the password step.
	Remember bool

	// UsedRecoveryCode is true when a recovery code, not a TOTP code,
	// resolved the challenge.
	UsedRecoveryCode bool
}

// Resolver completes challenges against the user's two-factor enrollment.
type Resolver struct {
	users     user.Repository
	sessions  session.Store
	twoFactor *twofa.Service
	tokens    *resettoken.Service
	sink      events.Sink
	limiter   *throttle.Limiter
	maxAge    time.Duration
	now       func() time.Time
}

type Option func(*Resolver)

// WithMaxAge overrides how long challenges stay resolvable.
func WithMaxAge(maxAge time.Duration) Option {
	return func(r *Resolver) {
		r.maxAge = maxAge
	}
}

// WithLimiter wires the login limiter into challenge resolution: failed
// attempts count against a per-challenge key so a parked challenge is not a
// code oracle, and success clears both that counter and the one the
// password step accumulated.
func WithLimiter(limiter *throttle.Limiter) Option {
	return func(r *Resolver) {
		r.limiter = limiter
	}
}

func NewResolver(users user.Repository, sessions session.Store, twoFactor *twofa.Service, tokens *resettoken.Service, sink events.Sink, opts ...Option) *Resolver {
	r := &Resolver{
		users:     users,
		sessions:  sessions,
		twoFactor: twoFactor,
		tokens:    tokens,
		sink:      sink,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending returns the user whose challenge is parked in the session.
// ErrNoChallenge when there is none or it expired.
func (r *Resolver) Pending(ctx context.Context, sessionID string) (user.User, error) {
	userID, err := r.pendingUserID(ctx, sessionID)
	if err != nil {
		return user.User{}, err
	}
	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return user.User{}, fmt.Errorf("failed to find challenged user: %w", err)
	}
	return u, nil
}

// Resolve verifies the submitted code against the challenged user's
// enrollment and, on success, completes the login: the challenge keys leave
// the session, the session ID is regenerated, and the session is marked
// authenticated. A wrong code leaves the challenge pending.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Outcome, error) {
	userID, err := r.pendingUserID(ctx, in.SessionID)
	if err != nil {
		return Outcome{}, err
	}

	attemptKey := challengeAttemptKey(in.SessionID)
	if err := r.ensureNotThrottled(ctx, attemptKey); err != nil {
		return Outcome{}, err
	}

	usedRecovery, err := r.verify(ctx, userID, attemptKey, in)
	if err != nil {
		return Outcome{}, err
	}

	remember, err := r.sessions.Pull(ctx, in.SessionID, session.KeyLoginRemember, "0")
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read remember choice: %w", err)
	}
	throttleKey, err := r.sessions.Pull(ctx, in.SessionID, session.KeyLoginThrottleKey, "")
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read throttle key: %w", err)
	}
	if err := r.forgetChallenge(ctx, in.SessionID); err != nil {
		return Outcome{}, err
	}
	if r.limiter != nil {
		if throttleKey != "" {
			if err := r.limiter.Clear(ctx, throttleKey); err != nil {
				slog.Warn("Failed to clear login throttle", "err", err)
			}
		}
		if err := r.limiter.Clear(ctx, attemptKey); err != nil {
			slog.Warn("Failed to clear challenge throttle", "err", err)
		}
	}

	newSID, err := r.sessions.Regenerate(ctx, in.SessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to regenerate session: %w", err)
	}
	if err := r.sessions.Put(ctx, newSID, session.KeyUserID, userID.String()); err != nil {
		return Outcome{}, fmt.Errorf("failed to mark session authenticated: %w", err)
	}

	events.Dispatch(ctx, r.sink, events.Authenticated, userID, map[string]interface{}{
		"two_factor": true,
	})

	return Outcome{
		UserID:           userID,
		SessionID:        newSID,
		Remember:         remember == "1",
		UsedRecoveryCode: usedRecovery,
	}, nil
}

// ResolveForPasswordReset verifies a two-factor code during password reset.
// The caller proved control of the mailbox with a reset token; enrolled
// accounts must additionally prove the second factor before the password
// changes. Success stamps the session so the reset form accepts the change.
func (r *Resolver) ResolveForPasswordReset(ctx context.Context, sessionID, email, token string, in Input) error {
	if err := r.tokens.Validate(token, email); err != nil {
		return err
	}

	u, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return resettoken.ErrInvalidToken
		}
		return fmt.Errorf("failed to find user: %w", err)
	}
	if !u.HasConfirmedTwoFactor() {
		return ErrNoChallenge
	}

	attemptKey := resetAttemptKey(email)
	if err := r.ensureNotThrottled(ctx, attemptKey); err != nil {
		return err
	}

	if _, err := r.verify(ctx, u.ID, attemptKey, in); err != nil {
		return err
	}
	if r.limiter != nil {
		if err := r.limiter.Clear(ctx, attemptKey); err != nil {
			slog.Warn("Failed to clear reset challenge throttle", "err", err)
		}
	}

	stamp := r.now().UTC().Format(time.RFC3339)
	if err := r.sessions.Put(ctx, sessionID, session.KeyResetTwoFactorConfirmedAt, stamp); err != nil {
		return fmt.Errorf("failed to stamp reset confirmation: %w", err)
	}
	return nil
}

// ResetChallengeSatisfied reports whether the session carries a reset
// confirmation stamp fresh enough to authorize the password change.
func (r *Resolver) ResetChallengeSatisfied(ctx context.Context, sessionID string) (bool, error) {
	stamp, ok, err := r.sessions.Get(ctx, sessionID, session.KeyResetTwoFactorConfirmedAt)
	if err != nil {
		return false, fmt.Errorf("failed to read reset confirmation: %w", err)
	}
	if !ok {
		return false, nil
	}
	confirmedAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return false, nil
	}
	return r.now().UTC().Sub(confirmedAt) <= ResetConfirmationWindow, nil
}

// verify checks the recovery code first, then the TOTP code. Failures count
// against attemptKey, emit TwoFactorFailed and return ErrInvalidCode.
func (r *Resolver) verify(ctx context.Context, userID uuid.UUID, attemptKey string, in Input) (usedRecovery bool, err error) {
	if in.RecoveryCode != "" {
		consumed, err := r.twoFactor.ConsumeRecoveryCode(ctx, userID, in.RecoveryCode)
		if err != nil {
			return false, fmt.Errorf("failed to consume recovery code: %w", err)
		}
		if consumed {
			events.Dispatch(ctx, r.sink, events.RecoveryCodeUsed, userID, nil)
			return true, nil
		}
	}

	if in.Code != "" {
		ok, err := r.twoFactor.VerifyCode(ctx, userID, in.Code)
		if err != nil {
			return false, fmt.Errorf("failed to verify code: %w", err)
		}
		if ok {
			events.Dispatch(ctx, r.sink, events.ValidCodeProvided, userID, nil)
			return false, nil
		}
	}

	return false, r.fail(ctx, userID, attemptKey)
}

func (r *Resolver) fail(ctx context.Context, userID uuid.UUID, attemptKey string) error {
	if r.limiter != nil {
		if err := r.limiter.Hit(ctx, attemptKey); err != nil {
			slog.Warn("Failed to record challenge attempt", "err", err)
		}
	}
	events.Dispatch(ctx, r.sink, events.TwoFactorFailed, userID, nil)
	return ErrInvalidCode
}

// ensureNotThrottled rejects the attempt when the key's window is exhausted.
func (r *Resolver) ensureNotThrottled(ctx context.Context, attemptKey string) error {
	if r.limiter == nil {
		return nil
	}
	locked, err := r.limiter.TooManyAttempts(ctx, attemptKey)
	if err != nil {
		return fmt.Errorf("failed to check challenge throttle: %w", err)
	}
	if !locked {
		return nil
	}
	retryAfter, err := r.limiter.AvailableIn(ctx, attemptKey)
	if err != nil {
		return fmt.Errorf("failed to read lockout window: %w", err)
	}
	return &ThrottledError{RetryAfter: retryAfter}
}

// challengeAttemptKey scopes attempt counting to the session holding the
// challenge: the challenge itself, not the account, is what the caller can
// hammer.
func challengeAttemptKey(sessionID string) string {
	return "two-factor|" + sessionID
}

// resetAttemptKey scopes the reset-flow variant to the targeted account.
func resetAttemptKey(email string) string {
	return "two-factor-reset|" + email
}

// pendingUserID reads and validates the parked challenge. Expired challenges
// are cleared as a side effect.
func (r *Resolver) pendingUserID(ctx context.Context, sessionID string) (uuid.UUID, error) {
	raw, ok, err := r.sessions.Get(ctx, sessionID, session.KeyLoginID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read pending challenge: %w", err)
	}
	if !ok {
		return uuid.Nil, ErrNoChallenge
	}

	issuedRaw, ok, err := r.sessions.Get(ctx, sessionID, session.KeyLoginChallengedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read challenge age: %w", err)
	}
	if ok {
		issued, parseErr := time.Parse(time.RFC3339, issuedRaw)
		if parseErr != nil || r.now().UTC().Sub(issued) > r.maxAge {
			slog.Info("Pending challenge expired, clearing", "sessionID", sessionID)
			if err := r.forgetChallenge(ctx, sessionID); err != nil {
				return uuid.Nil, err
			}
			return uuid.Nil, ErrNoChallenge
		}
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		if err := r.forgetChallenge(ctx, sessionID); err != nil {
			return uuid.Nil, err
		}
		return uuid.Nil, ErrNoChallenge
	}
	return userID, nil
}

func (r *Resolver) forgetChallenge(ctx context.Context, sessionID string) error {
	for _, key := range []string{session.KeyLoginID, session.KeyLoginRemember, session.KeyLoginChallengedAt, session.KeyLoginThrottleKey} {
		if err := r.sessions.Forget(ctx, sessionID, key); err != nil {
			return fmt.Errorf("failed to clear challenge: %w", err)
		}
	}
	return nil
}

// setClock replaces the time source in tests.
func (r *Resolver) setClock(now func() time.Time) {
	r.now = now
}
