package ouroborosvcs

import (
	"context"

	"github.com/i5heu/ouroboros-vcs/internal/merge"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
)

// ReadFile reads a file from the working tree, including uncommitted content.
func (r *Repository) ReadFile(ctx context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, err := r.workTree(ctx)
	if err != nil {
		return nil, err
	}
	return work.Read(ctx, path)
}

// List returns the entries of a working tree directory.
func (r *Repository) List(ctx context.Context, dir string) ([]tree.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, err := r.workTree(ctx)
	if err != nil {
		return nil, err
	}
	return work.List(ctx, dir)
}

// History walks first parents from head, newest first. limit <= 0 means all.
func (r *Repository) History(ctx context.Context, limit int) ([]merge.Commit, error) {
	ref, ok, err := r.HeadRef()
	if err != nil || !ok {
		return nil, err
	}
	var out []merge.Commit
	for limit <= 0 || len(out) < limit {
		box, err := r.reader.ReadCommit(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, merge.Commit{Ref: ref, Box: box})
		if len(box.Parents) == 0 {
			break
		}
		ref = box.Parents[0]
	}
	return out, nil
}

// Diff lists the changes between the trees of two commits. A zero ref
// stands for the empty tree.
func (r *Repository) Diff(ctx context.Context, from, to types.Ref) ([]tree.Change, error) {
	fromTree, err := r.treeOf(ctx, from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.treeOf(ctx, to)
	if err != nil {
		return nil, err
	}
	return tree.NewTreeIterator(r.reader, fromTree, toTree).Collect(ctx)
}

// Status lists uncommitted changes of the working tree against head.
func (r *Repository) Status(ctx context.Context) ([]tree.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, err := r.workTree(ctx)
	if err != nil {
		return nil, err
	}
	if !work.Dirty() {
		return nil, nil
	}
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	var headTree types.Ref
	if head != nil {
		headTree = head.Box.Tree
	}

	// build into a throwaway transaction to get comparable refs
	tx := r.store.Begin()
	defer tx.Cancel()
	acc := r.factory.Accessor(tx)
	root, err := work.Clone().Build(ctx, acc)
	if err != nil {
		return nil, err
	}
	return tree.NewTreeIterator(tree.NewReader(acc, r.config.CacheSize), headTree, root).Collect(ctx)
}

func (r *Repository) treeOf(ctx context.Context, commit types.Ref) (types.Ref, error) {
	if commit.IsZero() {
		return types.Ref{}, nil
	}
	box, err := r.reader.ReadCommit(ctx, commit)
	if err != nil {
		return types.Ref{}, err
	}
	return box.Tree, nil
}
