package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// TokenHash computes the SHA-256 hex hash under which API keys are stored.
func TokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEqual compares two secrets without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
