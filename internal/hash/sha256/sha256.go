// Package sha256 derives content addresses for archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements news.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Digest returns the hex SHA-256 of data.
func (Hasher) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
