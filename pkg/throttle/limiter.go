// Package throttle rate-limits failed login attempts per identity+origin
// pair using a fixed-window counter store.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxAttempts is the failed-attempt ceiling within one window.
	DefaultMaxAttempts = 5

	// DefaultDecay is the window length.
	DefaultDecay = 60 * time.Second
)

// Limiter gates repeated failed login attempts for a throttle key.
type Limiter struct {
	store       CounterStore
	maxAttempts int64
	decay       time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithMaxAttempts(max int64) Option {
	return func(l *Limiter) {
		l.maxAttempts = max
	}
}

func WithDecay(decay time.Duration) Option {
	return func(l *Limiter) {
		l.decay = decay
	}
}

func NewLimiter(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		decay:       DefaultDecay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key derives the throttle key from the submitted identifier and the client
// network origin: lowercased, transliterated to ASCII, joined with "|". The
// pair scopes throttling to identity+origin rather than globally.
func Key(email, ip string) string {
	return transliterate(strings.ToLower(strings.TrimSpace(email))) + "|" + ip
}

// TooManyAttempts reports whether the attempt count for key has reached the
// configured maximum within the active window.
func (l *Limiter) TooManyAttempts(ctx context.Context, key string) (bool, error) {
	attempts, err := l.store.Attempts(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts >= l.maxAttempts, nil
}

// Hit records a failed attempt, opening a decay window when none is active.
func (l *Limiter) Hit(ctx context.Context, key string) error {
	if _, err := l.store.Hit(ctx, key, l.decay); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// AvailableIn returns the remaining lockout duration for key.
func (l *Limiter) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	return l.store.AvailableIn(ctx, key)
}

// Clear resets the counter for key after a fully successful authentication.
func (l *Limiter) Clear(ctx context.Context, key string) error {
	return l.store.Clear(ctx, key)
}

// Attempts returns the current attempt count for key.
func (l *Limiter) Attempts(ctx context.Context, key string) (int64, error) {
	return l.store.Attempts(ctx, key)
}

// transliterate folds the identifier to ASCII by stripping combining marks
// so visually equivalent identifiers share one throttle key.
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
