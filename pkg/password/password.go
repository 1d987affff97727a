// Package password wraps bcrypt hashing for login credentials.
package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor applied to new hashes.
const DefaultCost = bcrypt.DefaultCost

// Hash hashes the plain-text password using bcrypt.
func Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// HashWithCost hashes with an explicit bcrypt work factor. Used when
// migrating accounts hashed under older parameters.
func HashWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Check compares the plain-text password with the stored hash. A mismatch is
// (false, nil); only malformed input and hash parsing problems return errors.
func Check(password, hashedPassword string) (bool, error) {
	if password == "" || hashedPassword == "" {
		return false, fmt.Errorf("password and hashed password cannot be empty")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NeedsRehash reports whether the stored hash was produced with outdated cost
// parameters and should be re-hashed on the next successful login.
func NeedsRehash(hashedPassword string) bool {
	cost, err := bcrypt.Cost([]byte(hashedPassword))
	if err != nil {
		return true
	}
	return cost < DefaultCost
}
