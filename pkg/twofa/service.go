package twofa

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-id/veridian/pkg/crypt"
	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/recoverycode"
	"github.com/veridian-id/veridian/pkg/totp"
	"github.com/veridian-id/veridian/pkg/user"
)

// maxSaveRetries bounds the optimistic-retry loop around profile updates.
// Two concurrent consumptions of different valid recovery codes both land:
// the loser of the first write re-reads the shrunk pool and removes its own
// code from it.
const maxSaveRetries = 3

// Service manages the two-factor enrollment lifecycle on the user's profile:
// Disabled -> PendingConfirmation (Enable) -> Confirmed (Confirm), back to
// Disabled (Disable), with recovery-code regeneration in any state.
type Service struct {
	users        user.Repository
	enc          *crypt.Encryptor
	sink         events.Sink
	secretLength int
	issuer       string
}

type Option func(*Service)

// WithSecretLength overrides the generated secret size in bytes.
func WithSecretLength(lengthBytes int) Option {
	return func(s *Service) {
		s.secretLength = lengthBytes
	}
}

// WithIssuer sets the issuer name embedded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		s.issuer = issuer
	}
}

func NewService(users user.Repository, enc *crypt.Encryptor, sink events.Sink, opts ...Option) *Service {
	s := &Service{
		users:        users,
		enc:          enc,
		sink:         sink,
		secretLength: totp.DefaultSecretLength,
		issuer:       "veridian",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enable enrolls a new secret and a fresh recovery-code pool, leaving the
// enrollment pending confirmation. A no-op when a secret already exists and
// force is false.
func (s *Service) Enable(ctx context.Context, userID uuid.UUID, force bool) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if u.HasEnabledTwoFactor() && !force {
		slog.Info("Two factor already enabled, skipping", "userID", userID)
		return nil
	}

	secret, err := totp.GenerateSecretKey(s.secretLength)
	if err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}
	encryptedSecret, err := s.enc.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	encryptedPool, err := s.freshEncryptedPool()
	if err != nil {
		return err
	}

	_, err = s.update(ctx, userID, func(u *user.User) {
		u.TwoFactorSecret = encryptedSecret
		u.TwoFactorRecoveryCodes = encryptedPool
		u.TwoFactorConfirmedAt = nil
	})
	if err != nil {
		return err
	}

	events.Dispatch(ctx, s.sink, events.TwoFactorEnabled, userID, nil)
	return nil
}

// Confirm validates the submitted code against the enrolled secret and marks
// the enrollment active. Empty codes, missing secrets, and wrong codes all
// fail with ErrInvalidCode.
func (s *Service) Confirm(ctx context.Context, userID uuid.UUID, code string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if u.TwoFactorSecret == "" || code == "" {
		return ErrInvalidCode
	}
	secret, err := s.enc.Decrypt(u.TwoFactorSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt secret: %w", err)
	}
	if !totp.Verify(secret, code) {
		return ErrInvalidCode
	}

	now := time.Now().UTC()
	_, err = s.update(ctx, userID, func(u *user.User) {
		u.TwoFactorConfirmedAt = &now
	})
	if err != nil {
		return err
	}

	events.Dispatch(ctx, s.sink, events.TwoFactorConfirmed, userID, nil)
	return nil
}

// Disable clears the secret, the recovery pool, and the confirmation
// timestamp. A no-op, with no event, when all three are already clear.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if u.TwoFactorSecret == "" && u.TwoFactorRecoveryCodes == "" && u.TwoFactorConfirmedAt == nil {
		return nil
	}

	_, err = s.update(ctx, userID, func(u *user.User) {
		u.TwoFactorSecret = ""
		u.TwoFactorRecoveryCodes = ""
		u.TwoFactorConfirmedAt = nil
	})
	if err != nil {
		return err
	}

	events.Dispatch(ctx, s.sink, events.TwoFactorDisabled, userID, nil)
	return nil
}

// RegenerateRecoveryCodes replaces the pool with a fresh set of eight codes,
// in any enrollment state. Regeneration never touches the secret or the
// confirmation timestamp.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, userID uuid.UUID) error {
	encryptedPool, err := s.freshEncryptedPool()
	if err != nil {
		return err
	}

	_, err = s.update(ctx, userID, func(u *user.User) {
		u.TwoFactorRecoveryCodes = encryptedPool
	})
	if err != nil {
		return err
	}

	events.Dispatch(ctx, s.sink, events.RecoveryCodesGenerated, userID, nil)
	return nil
}

// RecoveryCodes returns the decrypted pool. ErrNotEnabled when no pool was
// ever generated.
func (s *Service) RecoveryCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return s.decodePool(u)
}

// ConsumeRecoveryCode searches the pool for a timing-safe match of the
// submitted code and, when found, removes exactly that code and persists the
// shrunk pool. Returns whether a code was consumed.
func (s *Service) ConsumeRecoveryCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	if code == "" {
		return false, nil
	}

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		u, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("failed to find user: %w", err)
		}
		pool, err := s.decodePool(u)
		if errors.Is(err, ErrNotEnabled) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		matched := matchRecoveryCode(pool, code)
		if matched == "" {
			return false, nil
		}

		remaining := make([]string, 0, len(pool)-1)
		for _, c := range pool {
			if c != matched {
				remaining = append(remaining, c)
			}
		}
		encryptedPool, err := s.encodePool(remaining)
		if err != nil {
			return false, err
		}

		u.TwoFactorRecoveryCodes = encryptedPool
		if _, err := s.users.Save(ctx, u); err != nil {
			if errors.Is(err, user.ErrStale) {
				slog.Warn("Recovery pool changed concurrently, retrying", "userID", userID, "attempt", attempt)
				continue
			}
			return false, fmt.Errorf("failed to save recovery pool: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("failed to consume recovery code after %d attempts", maxSaveRetries)
}

// Secret returns the decrypted shared secret, ErrNotEnabled when none is
// enrolled.
func (s *Service) Secret(ctx context.Context, userID uuid.UUID) (string, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if u.TwoFactorSecret == "" {
		return "", ErrNotEnabled
	}
	secret, err := s.enc.Decrypt(u.TwoFactorSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return secret, nil
}

// VerifyCode checks a submitted TOTP code against the user's enrolled
// secret. Users without an enrolled secret never verify.
func (s *Service) VerifyCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	secret, err := s.Secret(ctx, userID)
	if errors.Is(err, ErrNotEnabled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return totp.Verify(secret, code), nil
}

// ProvisioningURI returns the otpauth:// URL for the user's enrolled secret.
func (s *Service) ProvisioningURI(ctx context.Context, u user.User) (string, error) {
	secret, err := s.Secret(ctx, u.ID)
	if err != nil {
		return "", err
	}
	return totp.ProvisioningURI(secret, u.Email, s.issuer), nil
}

// QRCodePNG renders the provisioning URI for the user's enrolled secret.
func (s *Service) QRCodePNG(ctx context.Context, u user.User, size int) ([]byte, error) {
	secret, err := s.Secret(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return totp.QRCodePNG(secret, u.Email, s.issuer, size)
}

// update applies mutate inside an optimistic-retry loop.
func (s *Service) update(ctx context.Context, userID uuid.UUID, mutate func(*user.User)) (user.User, error) {
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		u, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return user.User{}, fmt.Errorf("failed to find user: %w", err)
		}
		mutate(&u)
		saved, err := s.users.Save(ctx, u)
		if errors.Is(err, user.ErrStale) {
			continue
		}
		if err != nil {
			return user.User{}, fmt.Errorf("failed to save user: %w", err)
		}
		return saved, nil
	}
	return user.User{}, fmt.Errorf("failed to save user after %d attempts", maxSaveRetries)
}

func (s *Service) freshEncryptedPool() (string, error) {
	pool, err := recoverycode.GeneratePool()
	if err != nil {
		return "", fmt.Errorf("failed to generate recovery codes: %w", err)
	}
	return s.encodePool(pool)
}

func (s *Service) encodePool(pool []string) (string, error) {
	plaintext, err := json.Marshal(pool)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery codes: %w", err)
	}
	encrypted, err := s.enc.Encrypt(string(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt recovery codes: %w", err)
	}
	return encrypted, nil
}

func (s *Service) decodePool(u user.User) ([]string, error) {
	if u.TwoFactorRecoveryCodes == "" {
		return nil, ErrNotEnabled
	}
	plaintext, err := s.enc.Decrypt(u.TwoFactorRecoveryCodes)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt recovery codes: %w", err)
	}
	var pool []string
	if err := json.Unmarshal([]byte(plaintext), &pool); err != nil {
		return nil, fmt.Errorf("failed to decode recovery codes: %w", err)
	}
	return pool, nil
}

// matchRecoveryCode scans the whole pool with constant-time comparisons and
// returns the matched code, or "". The scan never exits early so timing does
// not reveal the matching position.
func matchRecoveryCode(pool []string, code string) string {
	matched := ""
	for _, candidate := range pool {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			matched = candidate
		}
	}
	return matched
}
