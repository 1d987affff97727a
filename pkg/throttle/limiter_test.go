package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDerivation(t *testing.T) {
	assert.Equal(t, "user@example.com|10.0.0.1", Key("User@Example.COM", "10.0.0.1"))
	assert.Equal(t, "user@example.com|10.0.0.1", Key("  user@example.com  ", "10.0.0.1"))

	// Accented identifiers fold onto the same key.
	assert.Equal(t, Key("josé@example.com", "10.0.0.1"), Key("josé@example.com", "10.0.0.1"))
	assert.Equal(t, "jose@example.com|10.0.0.1", Key("José@example.com", "10.0.0.1"))

	// Same identity from a different origin is a different key.
	assert.NotEqual(t, Key("user@example.com", "10.0.0.1"), Key("user@example.com", "10.0.0.2"))
}

func TestTooManyAttemptsAfterFifthHit(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryCounterStore())
	key := Key("user@example.com", "10.0.0.1")

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.Hit(ctx, key))
		locked, err := limiter.TooManyAttempts(ctx, key)
		require.NoError(t, err)
		assert.False(t, locked, "attempt %d should not lock", i+1)
	}

	require.NoError(t, limiter.Hit(ctx, key))
	locked, err := limiter.TooManyAttempts(ctx, key)
	require.NoError(t, err)
	assert.True(t, locked, "fifth attempt locks the key")

	remaining, err := limiter.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, DefaultDecay)
}

func TestClearResetsCounter(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryCounterStore())
	key := Key("user@example.com", "10.0.0.1")

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Hit(ctx, key))
	}
	locked, err := limiter.TooManyAttempts(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, limiter.Clear(ctx, key))

	locked, err = limiter.TooManyAttempts(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)

	attempts, err := limiter.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()
	limiter := NewLimiter(store, WithDecay(60*time.Second))
	key := Key("user@example.com", "10.0.0.1")

	now := time.Now()
	store.setClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Hit(ctx, key))
	}
	locked, err := limiter.TooManyAttempts(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)

	store.setClock(func() time.Time { return now.Add(61 * time.Second) })

	locked, err = limiter.TooManyAttempts(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)

	// A hit after expiry opens a fresh window starting at 1.
	require.NoError(t, limiter.Hit(ctx, key))
	attempts, err := limiter.Attempts(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, attempts)
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryCounterStore())

	keyA := Key("user@example.com", "10.0.0.1")
	keyB := Key("user@example.com", "10.0.0.2")

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Hit(ctx, keyA))
	}

	locked, err := limiter.TooManyAttempts(ctx, keyB)
	require.NoError(t, err)
	assert.False(t, locked)
}
