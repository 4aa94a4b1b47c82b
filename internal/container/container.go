// Package container stores a byte stream as a tree of chunks.
//
// The stream is cut into content defined chunks with Buzhash. Level 0 index
// nodes point at data chunks, higher levels point at nodes of the level
// below. The root ref of a container always points at a node, also for
// empty and single chunk streams.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	chunker "github.com/ipfs/boxo/chunker"
)

// MaxNodeEntries is the default fan-out of index nodes.
const MaxNodeEntries = 256

var ErrSizeMismatch = errors.New("container node does not match its recorded size")

type Writer struct {
	acc    pipeline.Accessor
	Fanout int
	// NewChunks counts boxes that were not yet stored.
	NewChunks int
}

func NewWriter(acc pipeline.Accessor) *Writer {
	return &Writer{acc: acc, Fanout: MaxNodeEntries}
}

// Write stores the stream read from r and returns the root ref and the
// stream size.
func (w *Writer) Write(ctx context.Context, r io.Reader) (types.Ref, uint64, error) {
	fanout := w.Fanout
	if fanout < 2 {
		fanout = 2
	}

	bz := chunker.NewBuzhash(r)
	var level []Pointer
	var total uint64
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Ref{}, 0, fmt.Errorf("failed to chunk stream: %w", err)
		}
		ref, err := w.put(ctx, chunk)
		if err != nil {
			return types.Ref{}, 0, err
		}
		level = append(level, Pointer{Ref: ref, Size: uint64(len(chunk))})
		total += uint64(len(chunk))
	}

	var depth uint32
	for {
		var next []Pointer
		for start := 0; start < len(level) || start == 0; start += fanout {
			end := min(start+fanout, len(level))
			n := &Node{Level: depth, Pointers: level[start:end]}
			ref, err := w.put(ctx, n.Encode())
			if err != nil {
				return types.Ref{}, 0, err
			}
			next = append(next, Pointer{Ref: ref, Size: n.Size()})
		}
		if len(next) == 1 {
			return next[0].Ref, total, nil
		}
		level = next
		depth++
	}
}

func (w *Writer) WriteBytes(ctx context.Context, data []byte) (types.Ref, uint64, error) {
	return w.Write(ctx, bytes.NewReader(data))
}

func (w *Writer) put(ctx context.Context, data []byte) (types.Ref, error) {
	ref, isNew, err := w.acc.PutChunk(ctx, data)
	if err != nil {
		return types.Ref{}, fmt.Errorf("failed to store container chunk: %w", err)
	}
	if isNew {
		w.NewChunks++
	}
	return ref, nil
}

type frame struct {
	node *Node
	next int
}

// Reader streams a container, loading one node at a time.
type Reader struct {
	ctx   context.Context
	acc   pipeline.Accessor
	stack []frame
	buf   []byte
}

func NewReader(ctx context.Context, acc pipeline.Accessor, root types.Ref) (*Reader, error) {
	n, err := ReadNode(ctx, acc, root)
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, acc: acc, stack: []frame{{node: n}}}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if err := r.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) advance() error {
	for len(r.stack) > 0 {
		top := &r.stack[len(r.stack)-1]
		if top.next == len(top.node.Pointers) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		p := top.node.Pointers[top.next]
		top.next++

		if top.node.Level == 0 {
			data, err := r.acc.GetChunk(r.ctx, p.Ref)
			if err != nil {
				return fmt.Errorf("failed to read data chunk %s: %w", p.Ref, err)
			}
			if uint64(len(data)) != p.Size {
				return fmt.Errorf("%w: chunk %s has %d bytes, expected %d", ErrSizeMismatch, p.Ref, len(data), p.Size)
			}
			r.buf = data
			return nil
		}

		child, err := ReadNode(r.ctx, r.acc, p.Ref)
		if err != nil {
			return err
		}
		if child.Level != top.node.Level-1 || child.Size() != p.Size {
			return fmt.Errorf("%w: node %s", ErrSizeMismatch, p.Ref)
		}
		r.stack = append(r.stack, frame{node: child})
	}
	return io.EOF
}

func ReadAll(ctx context.Context, acc pipeline.Accessor, root types.Ref) ([]byte, error) {
	r, err := NewReader(ctx, acc, root)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Walk calls fn for the root node and every node and data chunk below it,
// parents before children. Data chunks are not read.
func Walk(ctx context.Context, acc pipeline.Accessor, root types.Ref, fn func(ref types.Ref, isNode bool) error) error {
	if err := fn(root, true); err != nil {
		return err
	}
	n, err := ReadNode(ctx, acc, root)
	if err != nil {
		return err
	}
	for _, p := range n.Pointers {
		if n.Level == 0 {
			if err := fn(p.Ref, false); err != nil {
				return err
			}
			continue
		}
		if err := Walk(ctx, acc, p.Ref, fn); err != nil {
			return err
		}
	}
	return nil
}
