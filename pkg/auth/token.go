package auth

import (
	"crypto/rand"
	"encoding/base64"
)

// GenerateToken generates a cryptographically secure random bearer token.
// Uses crypto/rand and URL-safe base64 encoding without padding.
func GenerateToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(err) // Should never fail
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
