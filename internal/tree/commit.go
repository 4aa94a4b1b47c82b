package tree

import (
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"google.golang.org/protobuf/encoding/protowire"
)

// CommitBox is one commit: a root directory, up to two parents, a message
// and an opaque signature.
type CommitBox struct {
	Tree      types.Ref
	Parents   []types.Ref
	Message   string
	Time      int64 // unix nanoseconds
	Signature []byte
}

const (
	commitTree      protowire.Number = 1
	commitParent    protowire.Number = 2
	commitMessage   protowire.Number = 3
	commitTime      protowire.Number = 4
	commitSignature protowire.Number = 5
)

// PlainHash identifies the commit payload independent of signature and
// encryption: tree and parent data hashes, message and time.
func (c *CommitBox) PlainHash(alg hash.Algorithm) hash.Hash {
	var b []byte
	b = protowire.AppendBytes(b, c.Tree.DataHash[:])
	for _, p := range c.Parents {
		b = protowire.AppendBytes(b, p.DataHash[:])
	}
	b = protowire.AppendString(b, c.Message)
	b = protowire.AppendVarint(b, uint64(c.Time))
	return alg.Sum(b)
}

// ParentHashes returns the data hashes of the parents, the form handed to
// signature providers.
func (c *CommitBox) ParentHashes() []hash.Hash {
	out := make([]hash.Hash, len(c.Parents))
	for i, p := range c.Parents {
		out[i] = p.DataHash
	}
	return out
}

func (c *CommitBox) Encode() []byte {
	var b []byte
	b = types.AppendRef(b, commitTree, c.Tree)
	for _, p := range c.Parents {
		b = types.AppendRef(b, commitParent, p)
	}
	b = protowire.AppendTag(b, commitMessage, protowire.BytesType)
	b = protowire.AppendString(b, c.Message)
	b = protowire.AppendTag(b, commitTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Time))
	if len(c.Signature) > 0 {
		b = protowire.AppendTag(b, commitSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Signature)
	}
	return b
}

func DecodeCommitBox(b []byte) (*CommitBox, error) {
	c := &CommitBox{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case commitTree:
			ref, err := types.ConsumeRef(v)
			if err != nil {
				return err
			}
			c.Tree = ref
		case commitParent:
			ref, err := types.ConsumeRef(v)
			if err != nil {
				return err
			}
			c.Parents = append(c.Parents, ref)
		case commitMessage:
			c.Message = string(v)
		case commitTime:
			c.Time = int64(n)
		case commitSignature:
			c.Signature = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(c.Parents) > 2 {
		return nil, ErrMalformedBox
	}
	return c, nil
}
