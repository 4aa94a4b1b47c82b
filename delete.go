package ouroborosvcs

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// Reachable returns every chunk referenced by the branch log: chunks listed
// in entries plus the full closure of every commit an entry names.
func (r *Repository) Reachable(ctx context.Context) (map[hash.Hash]struct{}, error) {
	entries, err := r.branch.Entries()
	if err != nil {
		return nil, err
	}
	keep := make(map[hash.Hash]struct{})
	seenCommits := make(map[hash.Hash]struct{})
	var visit func(ref types.Ref) error
	visit = func(ref types.Ref) error {
		if _, ok := seenCommits[ref.DataHash]; ok {
			return nil
		}
		seenCommits[ref.DataHash] = struct{}{}
		err := r.reader.WalkCommit(ctx, ref, func(h hash.Hash) error {
			keep[h] = struct{}{}
			return nil
		})
		if err != nil {
			return err
		}
		box, err := r.reader.ReadCommit(ctx, ref)
		if err != nil {
			return err
		}
		for _, p := range box.Parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		return nil
	}

	for _, e := range entries {
		for _, c := range e.Chunks {
			keep[c] = struct{}{}
		}
		ref, err := types.ParseRef(e.Message)
		if err != nil {
			return nil, fmt.Errorf("entry rev %d: %w", e.Rev, err)
		}
		if err := visit(ref); err != nil {
			return nil, fmt.Errorf("entry rev %d: %w", e.Rev, err)
		}
	}
	return keep, nil
}

// Prune deletes chunks no branch log entry can reach, such as the orphans
// of rejected pushes, and returns how many were removed.
func (r *Repository) Prune(ctx context.Context) (int, error) {
	keep, err := r.Reachable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to compute reachable chunks: %w", err)
	}

	it, err := r.store.Iterator(ctx)
	if err != nil {
		return 0, err
	}
	keys, err := it.Keys(ctx)
	it.Unlock()
	if err != nil {
		return 0, err
	}

	var drop []hash.Hash
	for _, k := range keys {
		if _, ok := keep[k]; !ok {
			drop = append(drop, k)
		}
	}
	if err := r.store.Delete(ctx, drop); err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"removed": len(drop), "kept": len(keys) - len(drop)}).Info("Pruned chunk store")
	return len(drop), nil
}
