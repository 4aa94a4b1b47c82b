package ouroborosvcs

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-vcs/internal/merge"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// WriteFile sets the content of a file in the working tree.
func (r *Repository) WriteFile(ctx context.Context, path string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, err := r.workTree(ctx)
	if err != nil {
		return err
	}
	return work.Put(ctx, path, data)
}

// Remove deletes a file or directory from the working tree.
func (r *Repository) Remove(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, err := r.workTree(ctx)
	if err != nil {
		return err
	}
	return work.Remove(ctx, path)
}

// Commit snapshots the working tree into a new commit on top of head.
func (r *Repository) Commit(ctx context.Context, message string) (*merge.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	work, err := r.workTree(ctx)
	if err != nil {
		return nil, err
	}
	if !work.Dirty() {
		return nil, ErrNothingToCommit
	}
	var parents []types.Ref
	head, ok, err := r.HeadRef()
	if err != nil {
		return nil, err
	}
	if ok {
		parents = append(parents, head)
	}
	return r.commit(ctx, work, parents, message)
}

// commit builds work, writes the commit box and appends it to the branch
// log. Chunks and the log entry are written only if everything before
// succeeded. Callers hold mu.
func (r *Repository) commit(ctx context.Context, work *tree.Accessor, parents []types.Ref, message string) (*merge.Commit, error) {
	tx := r.store.Begin()
	defer tx.Cancel()
	acc := r.factory.Accessor(tx)

	root, err := work.Build(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}

	box := &tree.CommitBox{
		Tree:    root,
		Parents: parents,
		Message: message,
		Time:    time.Now().UnixNano(),
	}
	box.Signature, err = r.signer.Sign(message, root.DataHash, box.ParentHashes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign commit: %w", err)
	}
	ref, err := tree.WriteCommit(ctx, acc, box)
	if err != nil {
		return nil, fmt.Errorf("failed to write commit: %w", err)
	}

	newChunks := tx.New()
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if err := r.appendLog(ctx, ref, newChunks); err != nil {
		return nil, err
	}
	r.work = work

	r.log.WithFields(logrus.Fields{
		"branch":  r.config.Branch,
		"commit":  ref.String(),
		"parents": len(parents),
		"chunks":  len(newChunks),
	}).Info("Committed")
	return &merge.Commit{Ref: ref, Box: box}, nil
}

func (r *Repository) appendLog(ctx context.Context, ref types.Ref, chunks []hash.Hash) error {
	message := ref.Encode()
	if _, err := r.branch.Add(ctx, r.branch.EntryID(message), message, chunks); err != nil {
		return fmt.Errorf("failed to append branch log: %w", err)
	}
	return nil
}

// AdvanceTo moves head to a commit whose chunks are already in the store
// and resets the working tree to it. It is the fast-forward primitive.
func (r *Repository) AdvanceTo(ctx context.Context, ref types.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceTo(ctx, ref)
}

func (r *Repository) advanceTo(ctx context.Context, ref types.Ref) error {
	box, err := r.reader.ReadCommit(ctx, ref)
	if err != nil {
		return fmt.Errorf("cannot advance to %s: %w", ref, err)
	}
	work, err := tree.Open(ctx, r.reader, box.Tree)
	if err != nil {
		return err
	}
	if err := r.appendLog(ctx, ref, nil); err != nil {
		return err
	}
	r.work = work
	return nil
}
