package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"google.golang.org/protobuf/encoding/protowire"
)

// IVSize is the length of the per chunk IV carried in a Ref.
const IVSize = 16

const refPrefix = "v1"

var ErrMalformedRef = errors.New("malformed chunk container ref")

// Ref is a ChunkContainerRef: everything needed to locate a box in a chunk
// store and turn it back into clear data.
type Ref struct {
	DataHash hash.Hash    // Hash of the clear data (before compression and encryption)
	IV       [IVSize]byte // IV used to seal the box, zero for plain boxes
	BoxHash  hash.Hash    // Hash of the stored box, the chunk store key
}

func (r Ref) IsZero() bool {
	return r.BoxHash.IsZero() && r.DataHash.IsZero()
}

// Equal compares the data hashes only, two refs sealing the same clear data
// are the same content.
func (r Ref) Equal(o Ref) bool {
	return r.DataHash == o.DataHash
}

// Encode returns the branch log message form v1:<data>:<iv>:<box>.
func (r Ref) Encode() string {
	return fmt.Sprintf("%s:%s:%x:%s", refPrefix, r.DataHash, r.IV[:], r.BoxHash)
}

func (r Ref) String() string {
	return r.BoxHash.Short()
}

func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != refPrefix {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, s)
	}
	var r Ref
	var err error
	if r.DataHash, err = hash.Parse(parts[1]); err != nil {
		return Ref{}, fmt.Errorf("%w: data hash: %v", ErrMalformedRef, err)
	}
	iv, err := hex.DecodeString(parts[2])
	if err != nil || len(iv) != IVSize {
		return Ref{}, fmt.Errorf("%w: iv %q", ErrMalformedRef, parts[2])
	}
	copy(r.IV[:], iv)
	if r.BoxHash, err = hash.Parse(parts[3]); err != nil {
		return Ref{}, fmt.Errorf("%w: box hash: %v", ErrMalformedRef, err)
	}
	return r, nil
}

// Field numbers of the embedded ref message.
const (
	refFieldData protowire.Number = 1
	refFieldIV   protowire.Number = 2
	refFieldBox  protowire.Number = 3
)

// AppendRef appends r as a length delimited message under field num.
func AppendRef(b []byte, num protowire.Number, r Ref) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, refFieldData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, r.DataHash[:])
	if r.IV != [IVSize]byte{} {
		msg = protowire.AppendTag(msg, refFieldIV, protowire.BytesType)
		msg = protowire.AppendBytes(msg, r.IV[:])
	}
	msg = protowire.AppendTag(msg, refFieldBox, protowire.BytesType)
	msg = protowire.AppendBytes(msg, r.BoxHash[:])
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ConsumeRef decodes the payload of a length delimited ref message.
func ConsumeRef(msg []byte) (Ref, error) {
	var r Ref
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return Ref{}, fmt.Errorf("%w: %v", ErrMalformedRef, protowire.ParseError(n))
		}
		msg = msg[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return Ref{}, fmt.Errorf("%w: %v", ErrMalformedRef, protowire.ParseError(n))
			}
			msg = msg[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(msg)
		if n < 0 {
			return Ref{}, fmt.Errorf("%w: %v", ErrMalformedRef, protowire.ParseError(n))
		}
		msg = msg[n:]
		var err error
		switch num {
		case refFieldData:
			r.DataHash, err = hash.FromBytes(v)
		case refFieldIV:
			if len(v) != IVSize {
				err = fmt.Errorf("iv has %d bytes", len(v))
			}
			copy(r.IV[:], v)
		case refFieldBox:
			r.BoxHash, err = hash.FromBytes(v)
		}
		if err != nil {
			return Ref{}, fmt.Errorf("%w: %v", ErrMalformedRef, err)
		}
	}
	return r, nil
}

// Compare orders refs by box hash, used for deterministic iteration.
func Compare(a, b Ref) int {
	return bytes.Compare(a.BoxHash[:], b.BoxHash[:])
}
