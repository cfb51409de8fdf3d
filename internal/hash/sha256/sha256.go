// Package sha256 digests normalized URLs into response cache file names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher satisfies crawler.Hasher with a lowercase hex SHA-256 digest.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash never fails.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
