package client

import (
	"context"
	"errors"
	"fmt"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/chunkstore"
	"github.com/i5heu/ouroboros-vcs/internal/container"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

var ErrMissingChunk = errors.New("fetcher did not return a requested chunk")

// ChunkFetcher returns raw boxes by hash. Implementations may return more
// than asked for but never less.
type ChunkFetcher interface {
	Fetch(ctx context.Context, hashes []hash.Hash) (map[hash.Hash][]byte, error)
}

// RemoteFetcher fetches with GET_CHUNKS.
type RemoteFetcher struct {
	Remote *Remote
}

func (f RemoteFetcher) Fetch(ctx context.Context, hashes []hash.Hash) (map[hash.Hash][]byte, error) {
	chunks, err := f.Remote.GetChunks(ctx, hashes)
	if err != nil {
		return nil, err
	}
	out := make(map[hash.Hash][]byte, len(chunks))
	for _, c := range chunks {
		out[c.Hash] = c.Data
	}
	return out, nil
}

// StoreFetcher reads from another chunk store in the same process.
type StoreFetcher struct {
	Store *chunkstore.Store
}

func (f StoreFetcher) Fetch(_ context.Context, hashes []hash.Hash) (map[hash.Hash][]byte, error) {
	out := make(map[hash.Hash][]byte, len(hashes))
	for _, h := range hashes {
		data, err := f.Store.Get(h)
		if err != nil {
			return nil, err
		}
		out[h] = data
	}
	return out, nil
}

type role int

const (
	roleCommit role = iota
	roleDir
	roleFile
)

type pendingContainer struct {
	ref  types.Ref
	role role
}

// closureFetcher copies everything a commit references into one
// transaction, a level of container nodes per fetch batch.
type closureFetcher struct {
	store   *chunkstore.Store
	tx      *chunkstore.Transaction
	acc     pipeline.Accessor
	reader  *tree.Reader
	fetcher ChunkFetcher
	batch   int
	seen    map[hash.Hash]struct{}
	fetched int
}

// FetchClosure copies the commit, its tree and all its ancestors that are
// not yet stored from f into repo's store. Containers whose root box is
// already committed locally are assumed complete and skipped. It returns
// the number of chunks fetched.
func FetchClosure(ctx context.Context, repo *ouroborosvcs.Repository, f ChunkFetcher, commit types.Ref, batch int) (int, error) {
	if batch <= 0 {
		batch = 256
	}
	tx := repo.Store().Begin()
	defer tx.Cancel()
	acc := repo.Factory().Accessor(tx)
	cf := &closureFetcher{
		store:   repo.Store(),
		tx:      tx,
		acc:     acc,
		reader:  tree.NewReader(acc, 256),
		fetcher: f,
		batch:   batch,
		seen:    make(map[hash.Hash]struct{}),
	}
	if err := cf.run(ctx, []pendingContainer{{ref: commit, role: roleCommit}}); err != nil {
		return cf.fetched, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cf.fetched, err
	}
	return cf.fetched, nil
}

func (cf *closureFetcher) run(ctx context.Context, queue []pendingContainer) error {
	for len(queue) > 0 {
		var round []pendingContainer
		for _, p := range queue {
			if p.ref.IsZero() {
				continue
			}
			if _, ok := cf.seen[p.ref.BoxHash]; ok {
				continue
			}
			cf.seen[p.ref.BoxHash] = struct{}{}
			ok, err := cf.store.Contains(p.ref.BoxHash)
			if err != nil {
				return err
			}
			if !ok {
				round = append(round, p)
			}
		}
		queue = nil
		if len(round) == 0 {
			break
		}

		roots := make([]types.Ref, 0, len(round))
		for _, p := range round {
			roots = append(roots, p.ref)
		}
		if err := cf.fetchContainers(ctx, roots); err != nil {
			return err
		}

		for _, p := range round {
			switch p.role {
			case roleCommit:
				c, err := cf.reader.ReadCommit(ctx, p.ref)
				if err != nil {
					return err
				}
				queue = append(queue, pendingContainer{ref: c.Tree, role: roleDir})
				for _, parent := range c.Parents {
					queue = append(queue, pendingContainer{ref: parent, role: roleCommit})
				}
			case roleDir:
				d, err := cf.reader.ReadDir(ctx, p.ref)
				if err != nil {
					return err
				}
				for _, e := range d.Entries {
					r := roleFile
					if e.IsDir() {
						r = roleDir
					}
					queue = append(queue, pendingContainer{ref: e.Ref, role: r})
				}
			}
		}
	}
	return nil
}

// fetchContainers pulls every box of the given containers, walking their
// index nodes one level per batch.
func (cf *closureFetcher) fetchContainers(ctx context.Context, roots []types.Ref) error {
	level := roots
	var data []types.Ref
	for len(level) > 0 {
		if err := cf.ensure(ctx, level); err != nil {
			return err
		}
		var next []types.Ref
		for _, ref := range level {
			n, err := container.ReadNode(ctx, cf.acc, ref)
			if err != nil {
				return err
			}
			for _, p := range n.Pointers {
				if n.Level == 0 {
					data = append(data, p.Ref)
				} else {
					next = append(next, p.Ref)
				}
			}
		}
		level = next
	}
	return cf.ensure(ctx, data)
}

// ensure fetches the boxes of refs missing from the transaction.
func (cf *closureFetcher) ensure(ctx context.Context, refs []types.Ref) error {
	var missing []hash.Hash
	queued := make(map[hash.Hash]struct{})
	for _, r := range refs {
		if _, ok := queued[r.BoxHash]; ok {
			continue
		}
		ok, err := cf.tx.Contains(r.BoxHash)
		if err != nil {
			return err
		}
		if !ok {
			queued[r.BoxHash] = struct{}{}
			missing = append(missing, r.BoxHash)
		}
	}

	for start := 0; start < len(missing); start += cf.batch {
		end := min(start+cf.batch, len(missing))
		want := missing[start:end]
		got, err := cf.fetcher.Fetch(ctx, want)
		if err != nil {
			return fmt.Errorf("failed to fetch chunks: %w", err)
		}
		for _, h := range want {
			data, ok := got[h]
			if !ok {
				return fmt.Errorf("%w: %s", ErrMissingChunk, h.Short())
			}
			if _, err := cf.tx.PutWithHash(h, data); err != nil {
				return err
			}
			cf.fetched++
		}
	}
	return nil
}
