// Package pipeline turns clear data into stored boxes and back.
//
// A box is the framed (optionally zstd compressed) data, sealed with
// AES-256-CTR when the repository is encrypted. The per chunk IV is derived
// from the data hash, so equal data always yields an equal box and
// deduplicates across encrypted stores sharing a key.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

var (
	ErrReadOnly = errors.New("chunk source is read only")
	ErrCorrupt  = errors.New("corrupt box")
)

// Source is where boxes are read from: a chunk store or a transaction.
type Source interface {
	Get(h hash.Hash) ([]byte, error)
}

// Sink additionally accepts new boxes.
type Sink interface {
	Source
	Put(box []byte) (hash.Hash, bool, error)
}

// Accessor reads and writes logical chunks. Callers never see boxes.
type Accessor interface {
	GetChunk(ctx context.Context, ref types.Ref) ([]byte, error)
	PutChunk(ctx context.Context, data []byte) (types.Ref, bool, error)
}

type Options struct {
	Algorithm   hash.Algorithm
	Compression bool
	Key         []byte // AES-256 key, nil for plain repositories
	BaseIV      []byte
}

// Factory picks the accessor variant once per repository.
type Factory struct {
	opts Options
}

func NewFactory(opts Options) (*Factory, error) {
	if opts.Algorithm == nil {
		opts.Algorithm = hash.BLAKE3
	}
	if opts.Key != nil {
		if len(opts.Key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(opts.Key))
		}
		if len(opts.BaseIV) != types.IVSize {
			return nil, fmt.Errorf("base iv must be %d bytes, got %d", types.IVSize, len(opts.BaseIV))
		}
	}
	return &Factory{opts: opts}, nil
}

func (f *Factory) Encrypted() bool {
	return f.opts.Key != nil
}

func (f *Factory) Algorithm() hash.Algorithm {
	return f.opts.Algorithm
}

// Accessor binds the repository's variant to a source. Writes need a Sink.
func (f *Factory) Accessor(src Source) Accessor {
	if f.opts.Key != nil {
		return &EncryptedAccessor{src: src, alg: f.opts.Algorithm, compress: f.opts.Compression, key: f.opts.Key, baseIV: f.opts.BaseIV}
	}
	return &PlainAccessor{src: src, alg: f.opts.Algorithm, compress: f.opts.Compression}
}

func sinkOf(src Source) (Sink, error) {
	sink, ok := src.(Sink)
	if !ok {
		return nil, ErrReadOnly
	}
	return sink, nil
}

func verify(alg hash.Algorithm, ref types.Ref, data []byte) error {
	if got := alg.Sum(data); got != ref.DataHash {
		return fmt.Errorf("%w: box %s decodes to data %s, want %s", ErrCorrupt, ref.BoxHash.Short(), got.Short(), ref.DataHash.Short())
	}
	return nil
}
