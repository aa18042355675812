package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
)

// BodyHash returns the hex SHA-256 digest of the raw request payload.
// It is used only for equality: detecting an idempotency key reused
// with a different body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
