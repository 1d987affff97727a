// Package totp generates and verifies RFC 6238 time-based one-time passwords
// against a shared base32 secret. Verification is a pure function of
// (secret, code, clock) and has no storage dependency.
package totp

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"image/png"
	"log/slog"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP time-step in seconds.
	Period = 30

	// Skew is the number of adjacent time-steps accepted on either side of
	// the current one, tolerating ~30s of clock drift each way.
	Skew = 1

	// DefaultSecretLength is the secret size in bytes (128-bit).
	DefaultSecretLength = 16
)

// GenerateSecretKey returns a new base32-encoded shared secret of
// lengthBytes random bytes. Zero or negative lengths fall back to
// DefaultSecretLength.
func GenerateSecretKey(lengthBytes int) (string, error) {
	if lengthBytes <= 0 {
		lengthBytes = DefaultSecretLength
	}
	buf := make([]byte, lengthBytes)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("Failed to generate totp secret", "err", err)
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// CurrentCode returns the 6-digit code for the current time-step. Intended
// for enrollment previews and tests, not the production verification path.
func CurrentCode(secret string) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, time.Now().UTC(), validateOpts())
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

// Verify reports whether passcode matches the secret within the current
// time-step or Skew adjacent steps. Malformed secrets and codes fail closed;
// attacker-controlled input can never make Verify panic or error out.
func Verify(secret, passcode string) bool {
	return VerifyAt(secret, passcode, time.Now().UTC())
}

// VerifyAt is Verify evaluated at an explicit instant. The underlying
// comparison is constant-time.
func VerifyAt(secret, passcode string, at time.Time) bool {
	valid, err := totp.ValidateCustom(passcode, secret, at, validateOpts())
	if err != nil {
		slog.Warn("Failed to validate totp passcode", "err", err)
		return false
	}
	return valid
}

// CodeAt returns the code for the time-step containing the given instant.
func CodeAt(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, validateOpts())
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

// ProvisioningURI builds the otpauth:// URL an authenticator app enrolls
// from.
func ProvisioningURI(secret, accountName, issuer string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", fmt.Sprintf("%d", Period))
	v.Set("algorithm", otp.AlgorithmSHA1.String())
	v.Set("digits", otp.DigitsSix.String())

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// QRCodePNG renders the provisioning URI as a size x size PNG QR code.
func QRCodePNG(secret, accountName, issuer string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(ProvisioningURI(secret, accountName, issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to build provisioning key: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode qr code png: %w", err)
	}
	return buf.Bytes(), nil
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
