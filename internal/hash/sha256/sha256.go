// Package sha256 provides content digests used to name archived reports.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hasher implements audit.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a SHA-256 hasher. A positive length truncates the hex digest,
// which keeps report object names short; zero returns the full digest.
func New(length int) *Hasher {
	if length < 0 || length > sha256.Size*2 {
		length = 0
	}
	return &Hasher{length: length}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("nothing to hash")
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 {
		digest = digest[:h.length]
	}
	return digest, nil
}
