// Package hash defines the fixed-length content hash used to address chunks
// and the pluggable algorithms that produce it.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Size is the byte length of every Hash regardless of the algorithm.
const Size = 32

// Hash is an immutable content hash. Equality is byte equality.
type Hash [Size]byte

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes as hex, for log output.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the raw hash bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// FromBytes converts a raw byte slice into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Parse decodes a hexadecimal hash string.
func Parse(s string) (Hash, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Hash{}, fmt.Errorf("failed to decode hash %q: %w", s, err)
	}
	return FromBytes(raw)
}

// Algorithm computes content hashes. An algorithm is fixed per store instance.
type Algorithm interface {
	Name() string
	Sum(data []byte) Hash
}

type blake3Algorithm struct{}

func (blake3Algorithm) Name() string { return "blake3" }

func (blake3Algorithm) Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

type sha256Algorithm struct{}

func (sha256Algorithm) Name() string { return "sha256" }

func (sha256Algorithm) Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

var (
	// BLAKE3 is the default algorithm.
	BLAKE3 Algorithm = blake3Algorithm{}
	// SHA256 is available for stores that need a FIPS hash.
	SHA256 Algorithm = sha256Algorithm{}
)

// Lookup returns the algorithm registered under name. An empty name selects BLAKE3.
func Lookup(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "blake3":
		return BLAKE3, nil
	case "sha256", "sha-256":
		return SHA256, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// Of hashes data with the default algorithm.
func Of(data []byte) Hash {
	return BLAKE3.Sum(data)
}

// OfString hashes a string with the default algorithm.
func OfString(s string) Hash {
	return BLAKE3.Sum([]byte(s))
}
