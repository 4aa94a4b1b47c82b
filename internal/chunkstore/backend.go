package chunkstore

import (
	"context"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// ChunkPrefix is the key prefix of chunk records in key-value backends.
const ChunkPrefix = "chunk:"

// Backend is the raw key-value layer below a Store. Backends do not hash or
// verify anything, the Store does.
type Backend interface {
	Get(key hash.Hash) ([]byte, error) // ErrNotFound when absent
	Has(key hash.Hash) (bool, error)
	// Write stores all chunks as one batch.
	Write(ctx context.Context, chunks map[hash.Hash][]byte) error
	Iterate(ctx context.Context, fn func(key hash.Hash, value []byte) error) error
	Delete(ctx context.Context, keys []hash.Hash) error
	Count(ctx context.Context) (int, error)
	Close() error
}

func chunkKey(h hash.Hash) []byte {
	key := make([]byte, 0, len(ChunkPrefix)+hash.Size)
	key = append(key, ChunkPrefix...)
	return append(key, h[:]...)
}
