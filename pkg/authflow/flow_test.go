package authflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/password"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/throttle"
	"github.com/veridian-id/veridian/pkg/user"
)

type testHarness struct {
	flow     *FlowExecutor
	users    *user.InMemRepository
	sessions *session.MemoryStore
	limiter  *throttle.Limiter
	recorder *events.Recorder
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	users := user.NewInMemRepository()
	sessions := session.NewMemoryStore()
	limiter := throttle.NewLimiter(throttle.NewMemoryCounterStore())
	recorder := events.NewRecorder()

	services := &Services{
		Users:    users,
		Sessions: sessions,
		Limiter:  limiter,
		Sink:     recorder,
	}
	return &testHarness{
		flow:     NewDefaultFlow(services),
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		recorder: recorder,
	}
}

func (h *testHarness) createUser(t *testing.T, email, plaintext string, confirmed2FA bool) user.User {
	t.Helper()

	hashed, err := password.Hash(plaintext)
	require.NoError(t, err)

	u := user.User{
		Email:        email,
		Name:         "Robin",
		PasswordHash: hashed,
	}
	if confirmed2FA {
		now := time.Now().UTC()
		u.TwoFactorSecret = "ciphertext-secret"
		u.TwoFactorRecoveryCodes = "ciphertext-pool"
		u.TwoFactorConfirmedAt = &now
	}
	created, err := h.users.Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

func newSessionID(t *testing.T) string {
	t.Helper()
	sid, err := session.NewID()
	require.NoError(t, err)
	return sid
}

func TestLoginWithoutTwoFactorAuthenticates(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "robin@example.com", "secret-password", false)
	ctx := context.Background()
	sid := newSessionID(t)

	result := h.flow.Execute(ctx, Request{
		Email:     "robin@example.com",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: sid,
	})

	require.NoError(t, result.Err)
	assert.False(t, result.TwoFactorRequired)
	assert.Equal(t, u.ID, result.UserID)
	assert.NotEqual(t, sid, result.SessionID, "session must be regenerated on login")

	stored, ok, err := h.sessions.Get(ctx, result.SessionID, session.KeyUserID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, u.ID.String(), stored)

	assert.Equal(t, 1, h.recorder.Count(events.Authenticated))
	assert.Equal(t, 0, h.recorder.Count(events.TwoFactorChallenged))
}

func TestLoginCanonicalizesEmail(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "robin@example.com", "secret-password", false)

	result := h.flow.Execute(context.Background(), Request{
		Email:     "  ROBIN@Example.COM ",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})

	require.NoError(t, result.Err)
	assert.Equal(t, u.ID, result.UserID)
}

func TestLoginFailsUniformly(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "robin@example.com", "secret-password", false)
	ctx := context.Background()

	wrongPassword := h.flow.Execute(ctx, Request{
		Email:     "robin@example.com",
		Password:  "not-the-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})
	unknownEmail := h.flow.Execute(ctx, Request{
		Email:     "nobody@example.com",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})

	assert.ErrorIs(t, wrongPassword.Err, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail.Err, ErrInvalidCredentials)
	assert.Equal(t, 2, h.recorder.Count(events.LoginFailed))

	attempts, err := h.limiter.Attempts(ctx, throttle.Key("robin@example.com", "203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), attempts)
}

func TestConfirmedTwoFactorRedirectsToChallenge(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "robin@example.com", "secret-password", true)
	ctx := context.Background()
	sid := newSessionID(t)

	result := h.flow.Execute(ctx, Request{
		Email:     "robin@example.com",
		Password:  "secret-password",
		Remember:  true,
		IPAddress: "203.0.113.7",
		SessionID: sid,
	})

	require.NoError(t, result.Err)
	assert.True(t, result.TwoFactorRequired)
	assert.Equal(t, sid, result.SessionID, "challenged session keeps its ID until resolution")

	loginID, ok, err := h.sessions.Get(ctx, sid, session.KeyLoginID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, u.ID.String(), loginID)

	remember, ok, err := h.sessions.Get(ctx, sid, session.KeyLoginRemember)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", remember)

	challengedAt, ok, err := h.sessions.Get(ctx, sid, session.KeyLoginChallengedAt)
	require.NoError(t, err)
	require.True(t, ok)
	issued, err := time.Parse(time.RFC3339, challengedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), issued, time.Minute)

	_, authed, err := h.sessions.Get(ctx, sid, session.KeyUserID)
	require.NoError(t, err)
	assert.False(t, authed, "challenged session is not authenticated")

	assert.Equal(t, 1, h.recorder.Count(events.TwoFactorChallenged))
	assert.Equal(t, 0, h.recorder.Count(events.Authenticated))
}

func TestPendingButUnconfirmedTwoFactorLogsStraightIn(t *testing.T) {
	h := newHarness(t)

	hashed, err := password.Hash("secret-password")
	require.NoError(t, err)
	u, err := h.users.Create(context.Background(), user.User{
		Email:           "robin@example.com",
		PasswordHash:    hashed,
		TwoFactorSecret: "ciphertext-secret",
	})
	require.NoError(t, err)

	result := h.flow.Execute(context.Background(), Request{
		Email:     "robin@example.com",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})

	require.NoError(t, result.Err)
	assert.False(t, result.TwoFactorRequired)
	assert.Equal(t, u.ID, result.UserID)
}

func TestRepeatedFailuresLockTheKey(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "robin@example.com", "secret-password", false)
	ctx := context.Background()

	request := Request{
		Email:     "robin@example.com",
		Password:  "not-the-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	}
	for i := 0; i < throttle.DefaultMaxAttempts; i++ {
		result := h.flow.Execute(ctx, request)
		assert.ErrorIs(t, result.Err, ErrInvalidCredentials)
	}

	// Even the right password is refused while locked.
	request.Password = "secret-password"
	result := h.flow.Execute(ctx, request)

	retryAfter, throttled := IsThrottled(result.Err)
	require.True(t, throttled)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.Equal(t, 1, h.recorder.Count(events.Lockout))
}

func TestSuccessfulLoginClearsThrottle(t *testing.T) {
	h := newHarness(t)
	h.createUser(t, "robin@example.com", "secret-password", false)
	ctx := context.Background()
	key := throttle.Key("robin@example.com", "203.0.113.7")

	failed := h.flow.Execute(ctx, Request{
		Email:     "robin@example.com",
		Password:  "not-the-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})
	assert.ErrorIs(t, failed.Err, ErrInvalidCredentials)

	result := h.flow.Execute(ctx, Request{
		Email:     "robin@example.com",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})
	require.NoError(t, result.Err)

	attempts, err := h.limiter.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), attempts)
}

func TestRehashUpgradesLegacyCost(t *testing.T) {
	h := newHarness(t)

	// Cost 4 hash of "secret-password", below the current default.
	legacy, err := password.HashWithCost("secret-password", 4)
	require.NoError(t, err)
	u, err := h.users.Create(context.Background(), user.User{
		Email:        "robin@example.com",
		PasswordHash: legacy,
	})
	require.NoError(t, err)

	result := h.flow.Execute(context.Background(), Request{
		Email:     "robin@example.com",
		Password:  "secret-password",
		IPAddress: "203.0.113.7",
		SessionID: newSessionID(t),
	})
	require.NoError(t, result.Err)

	saved, err := h.users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, legacy, saved.PasswordHash)
	assert.False(t, password.NeedsRehash(saved.PasswordHash))

	ok, err := password.Check("secret-password", saved.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}
