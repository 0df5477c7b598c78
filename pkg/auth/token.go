package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix identifies Fleetwise session tokens
	TokenPrefix = "fw_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates opaque session tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new session token.
// Format: fw_<base64url(32 random bytes)>
// Only the SHA-256 hash and a short display prefix are ever stored.
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	token = TokenPrefix + encoded

	return token, tg.HashToken(token), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encoded := strings.TrimPrefix(token, TokenPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("token is too short")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token has wrong length")
	}

	return nil
}

// ExtractPrefix extracts the prefix from a token for display
func (tg *TokenGenerator) ExtractPrefix(token string) string {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ""
	}

	encoded := strings.TrimPrefix(token, TokenPrefix)
	if len(encoded) >= 8 {
		return TokenPrefix + encoded[:8]
	}

	return token
}
