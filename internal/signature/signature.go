// Package signature provides commit signers. The repository treats
// signatures as opaque bytes.
package signature

import (
	"crypto/ed25519"
	"errors"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidSignature = errors.New("invalid commit signature")

// Signer signs and verifies (message, root, parents) tuples.
type Signer interface {
	Sign(message string, root hash.Hash, parents []hash.Hash) ([]byte, error)
	Verify(sig []byte, message string, root hash.Hash, parents []hash.Hash) error
}

// Noop produces empty signatures and accepts anything.
type Noop struct{}

func (Noop) Sign(string, hash.Hash, []hash.Hash) ([]byte, error) { return nil, nil }

func (Noop) Verify([]byte, string, hash.Hash, []hash.Hash) error { return nil }

type Ed25519 struct {
	Private ed25519.PrivateKey // nil for verify-only signers
	Public  ed25519.PublicKey
}

func NewEd25519(seed []byte) *Ed25519 {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519{Private: priv, Public: priv.Public().(ed25519.PublicKey)}
}

func payload(message string, root hash.Hash, parents []hash.Hash) []byte {
	var b []byte
	b = protowire.AppendString(b, message)
	b = protowire.AppendBytes(b, root[:])
	for _, p := range parents {
		b = protowire.AppendBytes(b, p[:])
	}
	return b
}

func (s *Ed25519) Sign(message string, root hash.Hash, parents []hash.Hash) ([]byte, error) {
	if s.Private == nil {
		return nil, errors.New("signer has no private key")
	}
	return ed25519.Sign(s.Private, payload(message, root, parents)), nil
}

func (s *Ed25519) Verify(sig []byte, message string, root hash.Hash, parents []hash.Hash) error {
	if !ed25519.Verify(s.Public, payload(message, root, parents), sig) {
		return ErrInvalidSignature
	}
	return nil
}
