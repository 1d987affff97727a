package user

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemRepository()

	created, err := repo.Create(ctx, User{Email: "User@Example.com", Name: "User", PasswordHash: "hash"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)
	assert.True(t, created.TwoFactorCapable)

	byID, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Email, byID.Email)

	// Email lookup is case-insensitive.
	byEmail, err := repo.FindByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	_, err = repo.FindByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDetectsStaleWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemRepository()

	created, err := repo.Create(ctx, User{Email: "user@example.com", PasswordHash: "hash"})
	require.NoError(t, err)

	// Two readers load the same version.
	first, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)

	first.Name = "first writer"
	saved, err := repo.Save(ctx, first)
	require.NoError(t, err)
	assert.True(t, saved.UpdatedAt.After(created.UpdatedAt))

	second.Name = "second writer"
	_, err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, ErrStale)

	// Retrying after a re-read succeeds.
	fresh, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	fresh.Name = "second writer"
	_, err = repo.Save(ctx, fresh)
	assert.NoError(t, err)
}

func TestHasConfirmedTwoFactor(t *testing.T) {
	u := User{TwoFactorCapable: true}
	assert.False(t, u.HasConfirmedTwoFactor())

	u.TwoFactorSecret = "ciphertext"
	assert.False(t, u.HasConfirmedTwoFactor(), "unconfirmed enrollment is not active")
	assert.True(t, u.HasEnabledTwoFactor())

	now := u.CreatedAt
	u.TwoFactorConfirmedAt = &now
	assert.True(t, u.HasConfirmedTwoFactor())

	u.TwoFactorCapable = false
	assert.False(t, u.HasConfirmedTwoFactor())
}
