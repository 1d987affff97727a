package twofa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-id/veridian/pkg/crypt"
	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/recoverycode"
	"github.com/veridian-id/veridian/pkg/totp"
	"github.com/veridian-id/veridian/pkg/user"
)

func newTestService(t *testing.T) (*Service, *user.InMemRepository, *events.Recorder) {
	t.Helper()

	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	enc, err := crypt.NewFromBase64(key)
	require.NoError(t, err)

	repo := user.NewInMemRepository()
	recorder := events.NewRecorder()
	return NewService(repo, enc, recorder), repo, recorder
}

func seedUser(t *testing.T, repo *user.InMemRepository) user.User {
	t.Helper()

	u, err := repo.Create(context.Background(), user.User{
		Email:        "drew@example.com",
		Name:         "Drew",
		PasswordHash: "$2a$10$notachecked.hash",
	})
	require.NoError(t, err)
	return u
}

func TestEnableCreatesPendingEnrollment(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	err := svc.Enable(ctx, u.ID, false)
	require.NoError(t, err)

	saved, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.TwoFactorSecret)
	assert.NotEmpty(t, saved.TwoFactorRecoveryCodes)
	assert.Nil(t, saved.TwoFactorConfirmedAt)
	assert.True(t, saved.HasEnabledTwoFactor())
	assert.False(t, saved.HasConfirmedTwoFactor())

	// Stored material is ciphertext, never the raw secret.
	secret, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, saved.TwoFactorSecret)

	codes, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, codes, recoverycode.PoolSize)
	seen := make(map[string]bool)
	for _, code := range codes {
		assert.False(t, seen[code], "recovery codes must be unique")
		seen[code] = true
	}

	assert.Equal(t, 1, recorder.Count(events.TwoFactorEnabled))
}

func TestEnableSkipsExistingEnrollment(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	first, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	second, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, recorder.Count(events.TwoFactorEnabled))
}

func TestEnableWithForceReplacesPendingEnrollment(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	first, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Enable(ctx, u.ID, true))
	second, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestConfirmRequiresValidCode(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	// No enrollment yet.
	err := svc.Confirm(ctx, u.ID, "123456")
	assert.ErrorIs(t, err, ErrInvalidCode)

	require.NoError(t, svc.Enable(ctx, u.ID, false))

	err = svc.Confirm(ctx, u.ID, "")
	assert.ErrorIs(t, err, ErrInvalidCode)

	err = svc.Confirm(ctx, u.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	saved, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, saved.TwoFactorConfirmedAt)
	assert.Equal(t, 0, recorder.Count(events.TwoFactorConfirmed))
}

func TestConfirmActivatesEnrollment(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	secret, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)
	code, err := totp.CurrentCode(secret)
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, u.ID, code))

	saved, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.TwoFactorConfirmedAt)
	assert.WithinDuration(t, time.Now().UTC(), *saved.TwoFactorConfirmedAt, time.Minute)
	assert.True(t, saved.HasConfirmedTwoFactor())
	assert.Equal(t, 1, recorder.Count(events.TwoFactorConfirmed))
}

func TestDisableClearsEnrollment(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	require.NoError(t, svc.Disable(ctx, u.ID))

	saved, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, saved.TwoFactorSecret)
	assert.Empty(t, saved.TwoFactorRecoveryCodes)
	assert.Nil(t, saved.TwoFactorConfirmedAt)
	assert.Equal(t, 1, recorder.Count(events.TwoFactorDisabled))
}

func TestDisableWithoutEnrollmentIsSilent(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)

	require.NoError(t, svc.Disable(context.Background(), u.ID))
	assert.Equal(t, 0, recorder.Count(events.TwoFactorDisabled))
}

func TestRegenerateReplacesPoolOnly(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	secretBefore, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)
	before, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RegenerateRecoveryCodes(ctx, u.ID))

	after, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, after, recoverycode.PoolSize)
	assert.NotEqual(t, before, after)

	secretAfter, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, secretBefore, secretAfter)
	assert.Equal(t, 1, recorder.Count(events.RecoveryCodesGenerated))
}

func TestConsumeRecoveryCodeRemovesOnlyMatch(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	pool, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	target := pool[3]

	ok, err := svc.ConsumeRecoveryCode(ctx, u.ID, target)
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, recoverycode.PoolSize-1)
	assert.NotContains(t, remaining, target)
	for _, code := range pool {
		if code == target {
			continue
		}
		assert.Contains(t, remaining, code)
	}

	// A consumed code never works a second time.
	ok, err = svc.ConsumeRecoveryCode(ctx, u.ID, target)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeRecoveryCodeConcurrent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	pool, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	first, second := pool[0], pool[1]

	// Two different codes consumed at the same time must both land; a
	// stale save retries instead of dropping one of the removals.
	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i, code := range []string{first, second} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			results[i], errs[i] = svc.ConsumeRecoveryCode(ctx, u.ID, code)
		}(i, code)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0])
	assert.True(t, results[1])

	remaining, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, recoverycode.PoolSize-2)
	assert.NotContains(t, remaining, first)
	assert.NotContains(t, remaining, second)
}

func TestConsumeRecoveryCodeRejectsUnknownCodes(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	// No pool at all.
	ok, err := svc.ConsumeRecoveryCode(ctx, u.ID, "aaaaaaaaaa-bbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Enable(ctx, u.ID, false))

	ok, err = svc.ConsumeRecoveryCode(ctx, u.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ConsumeRecoveryCode(ctx, u.ID, "aaaaaaaaaa-bbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, ok)

	pool, err := svc.RecoveryCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, pool, recoverycode.PoolSize)
}

func TestVerifyCodeAgainstEnrolledSecret(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	ok, err := svc.VerifyCode(ctx, u.ID, "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	secret, err := svc.Secret(ctx, u.ID)
	require.NoError(t, err)
	code, err := totp.CurrentCode(secret)
	require.NoError(t, err)

	ok, err = svc.VerifyCode(ctx, u.ID, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyCode(ctx, u.ID, "000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvisioningURIEmbedsAccount(t *testing.T) {
	svc, repo, _ := newTestService(t)
	u := seedUser(t, repo)
	ctx := context.Background()

	_, err := svc.ProvisioningURI(ctx, u)
	assert.ErrorIs(t, err, ErrNotEnabled)

	require.NoError(t, svc.Enable(ctx, u.ID, false))
	enrolled, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)

	uri, err := svc.ProvisioningURI(ctx, enrolled)
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, "drew@example.com")
	assert.Contains(t, uri, "issuer=veridian")

	png, err := svc.QRCodePNG(ctx, enrolled, 200)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
