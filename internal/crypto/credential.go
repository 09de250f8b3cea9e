package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashCredential derives a stable cache key from a provider credential.
// The raw credential never leaves the request that carried it.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
