package ouroborosvcs

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/merge"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/sirupsen/logrus"
)

type MergeState int

const (
	// MergeUpToDate: theirs is already part of our history.
	MergeUpToDate MergeState = iota
	// MergeFastForward: our head was an ancestor of theirs, head now is theirs.
	MergeFastForward
	// MergeMerged: a merge commit with both heads as parents was created.
	MergeMerged
	// MergeUncommittedChanges: the working tree is dirty, nothing was done.
	MergeUncommittedChanges
)

func (s MergeState) String() string {
	switch s {
	case MergeUpToDate:
		return "UP_TO_DATE"
	case MergeFastForward:
		return "FAST_FORWARD"
	case MergeMerged:
		return "MERGED"
	case MergeUncommittedChanges:
		return "UNCOMMITTED_CHANGES"
	default:
		return fmt.Sprintf("MergeState(%d)", int(s))
	}
}

type MergeResult struct {
	State MergeState
	Head  types.Ref // head after the merge
}

// Merge integrates the commit theirs, whose chunks must already be in the
// store, into the branch.
func (r *Repository) Merge(ctx context.Context, theirs types.Ref) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.work != nil && r.work.Dirty() {
		head, _, _ := r.HeadRef()
		return MergeResult{State: MergeUncommittedChanges, Head: head}, nil
	}

	theirsBox, err := r.reader.ReadCommit(ctx, theirs)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to read incoming commit: %w", err)
	}
	if err := r.signer.Verify(theirsBox.Signature, theirsBox.Message, theirsBox.Tree.DataHash, theirsBox.ParentHashes()); err != nil {
		return MergeResult{}, fmt.Errorf("incoming commit %s: %w", theirs, err)
	}

	head, ok, err := r.HeadRef()
	if err != nil {
		return MergeResult{}, err
	}
	if !ok {
		return r.fastForward(ctx, theirs)
	}
	if head.Equal(theirs) {
		return MergeResult{State: MergeUpToDate, Head: head}, nil
	}

	finder := merge.NewFinder(r.reader, r.reader)
	known, err := finder.IsAncestor(ctx, theirs, head)
	if err != nil {
		return MergeResult{}, err
	}
	if known {
		return MergeResult{State: MergeUpToDate, Head: head}, nil
	}
	chains, err := finder.Find(ctx, head, theirs)
	if err != nil {
		return MergeResult{}, err
	}
	if chains.InTheirs(head) {
		return r.fastForward(ctx, theirs)
	}
	base := chains.MergeBase()

	oursBox, err := r.reader.ReadCommit(ctx, head)
	if err != nil {
		return MergeResult{}, err
	}
	var parentBox *tree.CommitBox
	baseName := "none"
	if base != nil {
		parentBox = base.Box
		baseName = base.Ref.String()
	}
	merged, err := merge.ThreeWay(ctx, r.reader, oursBox, theirsBox, parentBox, r.solver)
	if err != nil {
		return MergeResult{}, err
	}
	commit, err := r.commit(ctx, merged, []types.Ref{head, theirs}, fmt.Sprintf("Merge %s into %s", theirs, r.config.Branch))
	if err != nil {
		return MergeResult{}, err
	}
	r.log.WithFields(logrus.Fields{
		"ours":   head.String(),
		"theirs": theirs.String(),
		"base":   baseName,
	}).Info("Merged")
	return MergeResult{State: MergeMerged, Head: commit.Ref}, nil
}

func (r *Repository) fastForward(ctx context.Context, theirs types.Ref) (MergeResult, error) {
	if err := r.advanceTo(ctx, theirs); err != nil {
		return MergeResult{}, err
	}
	r.log.WithFields(logrus.Fields{"branch": r.config.Branch, "head": theirs.String()}).Info("Fast-forwarded")
	return MergeResult{State: MergeFastForward, Head: theirs}, nil
}
