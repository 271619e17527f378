// Package keys derives storage names from cache keys.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns a filesystem safe name for key: the first 16 bytes of its
// SHA-256, hex encoded.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// Redact returns a short stable fingerprint of key for logs and metrics,
// so URLs with credentials or user ids never leave the process verbatim.
func Redact(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
