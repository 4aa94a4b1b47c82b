package client

import (
	"context"
	"fmt"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/container"
	"github.com/i5heu/ouroboros-vcs/internal/merge"
	"github.com/i5heu/ouroboros-vcs/internal/protocol"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

type PushStatus int

const (
	PushOK PushStatus = iota
	PushUpToDate
	// PushPullRequired: the remote moved past what we know; pull, merge
	// and push again.
	PushPullRequired
)

func (s PushStatus) String() string {
	switch s {
	case PushOK:
		return "OK"
	case PushUpToDate:
		return "UP_TO_DATE"
	case PushPullRequired:
		return "PULL_REQUIRED"
	default:
		return fmt.Sprintf("PushStatus(%d)", int(s))
	}
}

type PushResult struct {
	Status      PushStatus
	Head        types.Ref
	Commits     int // commits the remote did not have
	Offered     int // chunks collected for those commits
	Transferred int // chunks actually uploaded after HAS_CHUNKS
}

// Push uploads every commit between the remote tip and the local head and
// advances the remote branch if nobody else did in the meantime.
func Push(ctx context.Context, repo *ouroborosvcs.Repository, remote *Remote) (PushResult, error) {
	head, ok, err := repo.HeadRef()
	if err != nil {
		return PushResult{}, err
	}
	if !ok {
		return PushResult{}, ouroborosvcs.ErrNoHistory
	}
	res := PushResult{Head: head}
	log := repo.Logger().WithFields(logrus.Fields{"branch": remote.Branch(), "op": "push"})

	tipMsg, err := remote.GetRemoteTip(ctx)
	if err != nil {
		return res, err
	}
	message := head.Encode()
	if tipMsg == message {
		res.Status = PushUpToDate
		return res, nil
	}

	finder := merge.NewFinder(repo.Reader(), nil)
	var (
		chains   *merge.Chains
		expected hash.Hash
	)
	if tipMsg == "" {
		chains, err = finder.CollectAllChains(ctx, head)
		if err != nil {
			return res, err
		}
	} else {
		remoteTip, err := types.ParseRef(tipMsg)
		if err != nil {
			return res, fmt.Errorf("remote tip: %w", err)
		}
		known, err := repo.Store().Contains(remoteTip.BoxHash)
		if err != nil {
			return res, err
		}
		if !known {
			res.Status = PushPullRequired
			return res, nil
		}
		chains, err = finder.Find(ctx, head, remoteTip)
		if err != nil {
			return res, err
		}
		if chains.InTheirs(head) {
			// the remote is ahead of us
			res.Status = PushPullRequired
			return res, nil
		}
		if !chains.TerminatesAt(remoteTip) {
			res.Status = PushPullRequired
			return res, nil
		}
		expected = repo.BranchLog().EntryID(tipMsg)
	}

	commits := chains.NewCommits()
	res.Commits = len(commits)
	offered, err := collectChunks(ctx, repo.Reader(), commits)
	if err != nil {
		return res, err
	}
	res.Offered = len(offered)

	have, err := remote.HasChunks(ctx, offered)
	if err != nil {
		return res, err
	}
	skip := make(map[hash.Hash]struct{}, len(have))
	for _, h := range have {
		skip[h] = struct{}{}
	}
	upload := make([]protocol.Chunk, 0, len(offered)-len(have))
	for _, h := range offered {
		if _, ok := skip[h]; ok {
			continue
		}
		data, err := repo.Store().Get(h)
		if err != nil {
			return res, fmt.Errorf("failed to read chunk %s for push: %w", h.Short(), err)
		}
		upload = append(upload, protocol.Chunk{Hash: h, Data: data})
	}

	status, err := remote.PutChunks(ctx, expected, repo.BranchLog().EntryID(message), message, upload)
	if err != nil {
		return res, err
	}
	res.Transferred = len(upload)
	if status == protocol.StatusPullRequired {
		res.Status = PushPullRequired
		log.Info("Remote moved, pull required")
		return res, nil
	}
	res.Status = PushOK
	log.WithFields(logrus.Fields{
		"commits":     res.Commits,
		"offered":     res.Offered,
		"transferred": res.Transferred,
	}).Info("Pushed")
	return res, nil
}

// collectChunks gathers the chunks introduced by commits: each commit
// container plus what its tree changed against the first parent's tree.
func collectChunks(ctx context.Context, r *tree.Reader, commits []merge.Commit) ([]hash.Hash, error) {
	var out []hash.Hash
	seen := make(map[hash.Hash]struct{})
	add := func(h hash.Hash) error {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
		return nil
	}
	containerOnly := func(ref types.Ref) error {
		if ref.IsZero() {
			return nil
		}
		return container.Walk(ctx, r.Accessor(), ref, func(x types.Ref, _ bool) error {
			return add(x.BoxHash)
		})
	}

	for _, c := range commits {
		if err := containerOnly(c.Ref); err != nil {
			return nil, err
		}
		if len(c.Box.Parents) == 0 {
			if err := r.WalkChunks(ctx, tree.Entry{Kind: tree.Dir, Ref: c.Box.Tree}, add); err != nil {
				return nil, err
			}
			continue
		}
		parent, err := r.ReadCommit(ctx, c.Box.Parents[0])
		if err != nil {
			return nil, err
		}
		if parent.Tree.Equal(c.Box.Tree) {
			continue
		}
		if err := containerOnly(c.Box.Tree); err != nil {
			return nil, err
		}
		changes, err := tree.NewTreeIterator(r, parent.Tree, c.Box.Tree).Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, ch := range changes {
			if ch.Theirs == nil {
				continue
			}
			if ch.BothDirs() {
				err = containerOnly(ch.Theirs.Ref)
			} else {
				err = r.WalkChunks(ctx, *ch.Theirs, add)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
