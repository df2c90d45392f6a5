// Package sha256 fingerprints fetched product pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements lookup.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data prefixed with the algorithm name, so
// records carrying it can be compared across hash changes.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
