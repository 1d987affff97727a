// Package user provides the user entity store the authentication core
// collaborates with. The two-factor secret and recovery-code pool live on
// the user row as ciphertext blobs; this package never sees their plaintext.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")

	// ErrStale is returned by Save when the row changed since it was read.
	// Callers re-read and retry; see the twofa service's pool consumption.
	ErrStale = errors.New("user record is stale")
)

// User is the authentication view of a user row.
type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string

	// TwoFactorSecret holds the encrypted shared secret, empty until
	// enrollment.
	TwoFactorSecret string

	// TwoFactorRecoveryCodes holds the encrypted JSON array of single-use
	// codes, empty until first enrollment.
	TwoFactorRecoveryCodes string

	// TwoFactorConfirmedAt is non-nil only once enrollment was confirmed
	// with a valid code.
	TwoFactorConfirmedAt *time.Time

	// TwoFactorCapable is computed at load time by the repository; it
	// replaces any runtime capability inspection.
	TwoFactorCapable bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEnabledTwoFactor reports whether a secret is stored, confirmed or not.
func (u *User) HasEnabledTwoFactor() bool {
	return u.TwoFactorSecret != ""
}

// HasConfirmedTwoFactor reports whether two-factor is active: secret stored
// and confirmation recorded.
func (u *User) HasConfirmedTwoFactor() bool {
	return u.TwoFactorCapable && u.TwoFactorSecret != "" && u.TwoFactorConfirmedAt != nil
}

// Repository is the user-store collaborator.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id uuid.UUID) (User, error)
	Create(ctx context.Context, u User) (User, error)

	// Save persists the mutated fields. The write is optimistic on
	// UpdatedAt: ErrStale means another writer got there first and the
	// caller must re-read before retrying. The returned User carries the
	// new UpdatedAt.
	Save(ctx context.Context, u User) (User, error)
}
