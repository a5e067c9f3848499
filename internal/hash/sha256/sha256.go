// Package sha256 derives canonical post IDs from a post's native identity.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. The normalizer feeds it
// "source|native_id|created_at", so a post re-fetched by a later head sweep
// or by backfill maps to the same ID and deduplicates on insert.
type Hasher struct{}

// New returns the post ID hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
