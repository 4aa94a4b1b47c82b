package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

type badgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a badger backed store directory. An empty path opens an
// in-memory database.
func OpenBadger(path string) (Backend, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Get(key hash.Hash) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key.Short(), err)
	}
	return value, nil
}

func (b *badgerBackend) Has(key hash.Hash) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check chunk %s: %w", key.Short(), err)
	}
	return true, nil
}

func (b *badgerBackend) Write(_ context.Context, chunks map[hash.Hash][]byte) error {
	// WriteBatch splits large transactions for us
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for key, value := range chunks {
		if err := wb.Set(chunkKey(key), value); err != nil {
			return fmt.Errorf("failed to stage chunk %s: %w", key.Short(), err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk batch: %w", err)
	}
	return nil
}

func (b *badgerBackend) Iterate(ctx context.Context, fn func(hash.Hash, []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(ChunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, err := hash.FromBytes(item.Key()[len(prefix):])
			if err != nil {
				return fmt.Errorf("corrupt chunk key %x: %w", item.Key(), err)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read chunk %s: %w", key.Short(), err)
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) Delete(_ context.Context, keys []hash.Hash) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(chunkKey(key)); err != nil {
			return fmt.Errorf("failed to delete chunk %s: %w", key.Short(), err)
		}
	}
	return wb.Flush()
}

func (b *badgerBackend) Count(ctx context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(ChunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}
