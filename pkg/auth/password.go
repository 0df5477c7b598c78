package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the account does not exist so that
// unknown emails cost the same as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fleetwise-timing-equalizer"), bcrypt.DefaultCost)

// HashPassword hashes a password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("failed to compare password: %w", err)
}
