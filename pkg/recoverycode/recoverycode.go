// Package recoverycode generates the single-use backup codes a user can
// submit in place of a TOTP code when their authenticator device is
// unavailable.
package recoverycode

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// alphanum matches the character set authenticator backup codes are
	// usually transcribed from: no punctuation, mixed case.
	alphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// SegmentLength is the length of each half of a recovery code.
	SegmentLength = 10

	// PoolSize is the number of codes issued per generation.
	PoolSize = 8
)

// Generate returns a new recovery code of two hyphen-joined random
// alphanumeric segments, e.g. "h2Kd81mQzx-P0a7RtYw3b". Entropy exhaustion is
// the only failure mode and is not recoverable.
func Generate() (string, error) {
	first, err := randomSegment(SegmentLength)
	if err != nil {
		return "", err
	}
	second, err := randomSegment(SegmentLength)
	if err != nil {
		return "", err
	}
	return first + "-" + second, nil
}

// GeneratePool returns PoolSize pairwise-unique recovery codes. Collisions
// are vanishingly unlikely but handled anyway so the uniqueness invariant on
// the stored pool holds unconditionally.
func GeneratePool() ([]string, error) {
	seen := make(map[string]bool, PoolSize)
	pool := make([]string, 0, PoolSize)
	for len(pool) < PoolSize {
		code, err := Generate()
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		pool = append(pool, code)
	}
	return pool, nil
}

func randomSegment(length int) (string, error) {
	max := big.NewInt(int64(len(alphanum)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		buf[i] = alphanum[n.Int64()]
	}
	return string(buf), nil
}
