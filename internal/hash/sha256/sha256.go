// Package sha256 provides SHA-256 hashing used for request fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts hashes each part prefixed by its length as a big-endian uint64,
// so distinct part lists encode to distinct byte streams.
func (h *Hasher) HashParts(parts ...[]byte) (string, error) {
	d := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		d.Write(size[:])
		d.Write(p)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
