package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

const datastorePrefix = "/chunk"

type datastoreBackend struct {
	ds ds.Batching
}

// OpenLevelDB opens a leveldb datastore. An empty path keeps it in memory.
func OpenLevelDB(path string) (Backend, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %q: %w", path, err)
	}
	return &datastoreBackend{ds: store}, nil
}

func dsKey(h hash.Hash) ds.Key {
	return ds.NewKey(datastorePrefix + "/" + h.String())
}

func (d *datastoreBackend) Get(key hash.Hash) ([]byte, error) {
	value, err := d.ds.Get(context.Background(), dsKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key.Short(), err)
	}
	return value, nil
}

func (d *datastoreBackend) Has(key hash.Hash) (bool, error) {
	return d.ds.Has(context.Background(), dsKey(key))
}

func (d *datastoreBackend) Write(ctx context.Context, chunks map[hash.Hash][]byte) error {
	batch, err := d.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	for key, value := range chunks {
		if err := batch.Put(ctx, dsKey(key), value); err != nil {
			return fmt.Errorf("failed to stage chunk %s: %w", key.Short(), err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

func (d *datastoreBackend) query(ctx context.Context, keysOnly bool) (dsq.Results, error) {
	return d.ds.Query(ctx, dsq.Query{Prefix: datastorePrefix, KeysOnly: keysOnly})
}

func (d *datastoreBackend) Iterate(ctx context.Context, fn func(hash.Hash, []byte) error) error {
	results, err := d.query(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to query chunks: %w", err)
	}
	defer results.Close()

	for {
		res, ok := results.NextSync()
		if !ok {
			return nil
		}
		if res.Error != nil {
			return res.Error
		}
		key, err := hash.Parse(strings.TrimPrefix(res.Key, datastorePrefix+"/"))
		if err != nil {
			return fmt.Errorf("corrupt chunk key %q: %w", res.Key, err)
		}
		if err := fn(key, res.Value); err != nil {
			return err
		}
	}
}

func (d *datastoreBackend) Delete(ctx context.Context, keys []hash.Hash) error {
	batch, err := d.ds.Batch(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := batch.Delete(ctx, dsKey(key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (d *datastoreBackend) Count(ctx context.Context) (int, error) {
	results, err := d.query(ctx, true)
	if err != nil {
		return 0, err
	}
	defer results.Close()
	count := 0
	for {
		res, ok := results.NextSync()
		if !ok {
			return count, nil
		}
		if res.Error != nil {
			return 0, res.Error
		}
		count++
	}
}

func (d *datastoreBackend) Close() error {
	return d.ds.Close()
}
