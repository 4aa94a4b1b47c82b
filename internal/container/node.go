package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedNode = errors.New("malformed container node")

// Pointer points at a data chunk (level 0 nodes) or a child node, together
// with the number of stream bytes behind it.
type Pointer struct {
	Ref  types.Ref
	Size uint64
}

// Node is one index node of a container.
type Node struct {
	Level    uint32
	Pointers []Pointer
}

// Size is the number of stream bytes the node represents.
func (n *Node) Size() uint64 {
	var total uint64
	for _, p := range n.Pointers {
		total += p.Size
	}
	return total
}

const (
	fieldLevel   protowire.Number = 1
	fieldPointer protowire.Number = 2

	pointerRef  protowire.Number = 1
	pointerSize protowire.Number = 2
)

func (n *Node) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLevel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Level))
	for _, p := range n.Pointers {
		var msg []byte
		msg = types.AppendRef(msg, pointerRef, p.Ref)
		msg = protowire.AppendTag(msg, pointerSize, protowire.VarintType)
		msg = protowire.AppendVarint(msg, p.Size)
		b = protowire.AppendTag(b, fieldPointer, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func DecodeNode(b []byte) (*Node, error) {
	n := &Node{}
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
		}
		b = b[l:]
		switch {
		case num == fieldLevel && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			n.Level = uint32(v)
			b = b[l:]
		case num == fieldPointer && typ == protowire.BytesType:
			msg, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			b = b[l:]
			p, err := decodePointer(msg)
			if err != nil {
				return nil, err
			}
			n.Pointers = append(n.Pointers, p)
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			b = b[l:]
		}
	}
	return n, nil
}

func decodePointer(msg []byte) (Pointer, error) {
	var p Pointer
	for len(msg) > 0 {
		num, typ, l := protowire.ConsumeTag(msg)
		if l < 0 {
			return p, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
		}
		msg = msg[l:]
		switch {
		case num == pointerRef && typ == protowire.BytesType:
			v, l := protowire.ConsumeBytes(msg)
			if l < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			msg = msg[l:]
			ref, err := types.ConsumeRef(v)
			if err != nil {
				return p, err
			}
			p.Ref = ref
		case num == pointerSize && typ == protowire.VarintType:
			v, l := protowire.ConsumeVarint(msg)
			if l < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			msg = msg[l:]
			p.Size = v
		default:
			l := protowire.ConsumeFieldValue(num, typ, msg)
			if l < 0 {
				return p, fmt.Errorf("%w: %v", ErrMalformedNode, protowire.ParseError(l))
			}
			msg = msg[l:]
		}
	}
	return p, nil
}

// ReadNode loads and decodes the node behind ref.
func ReadNode(ctx context.Context, acc pipeline.Accessor, ref types.Ref) (*Node, error) {
	data, err := acc.GetChunk(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read container node %s: %w", ref, err)
	}
	return DecodeNode(data)
}
