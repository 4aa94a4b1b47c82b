// Package client implements the client side of branch sync: the Remote
// request methods, chunk fetching and the pull, push and sync algorithms.
package client

import (
	"context"
	"fmt"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/protocol"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/sirupsen/logrus"
)

type PullResult struct {
	State   ouroborosvcs.MergeState
	Head    types.Ref // local head afterwards, zero without history
	Fetched int       // chunks transferred
}

// PullOptions tune a pull. The zero value is usable.
type PullOptions struct {
	BatchSize int
	// Fetcher overrides GET_CHUNKS, for example with a StoreFetcher.
	Fetcher ChunkFetcher
}

// Pull brings the remote tip into repo. A repo without history is cloned
// with GET_ALL_CHUNKS; otherwise the missing closure of the remote tip is
// fetched and merged.
func Pull(ctx context.Context, repo *ouroborosvcs.Repository, remote *Remote, opts PullOptions) (PullResult, error) {
	log := repo.Logger().WithFields(logrus.Fields{"branch": remote.Branch(), "op": "pull"})
	head, _, err := repo.HeadRef()
	if err != nil {
		return PullResult{}, err
	}
	res := PullResult{State: ouroborosvcs.MergeUpToDate, Head: head}

	tip, err := remote.GetRemoteTip(ctx)
	if err != nil {
		return res, err
	}
	local, err := repo.TipMessage()
	if err != nil {
		return res, err
	}
	if tip == "" || tip == local {
		log.Debug("Already up to date")
		return res, nil
	}
	theirs, err := types.ParseRef(tip)
	if err != nil {
		return res, fmt.Errorf("remote tip: %w", err)
	}
	if repo.HasUncommittedChanges() {
		res.State = ouroborosvcs.MergeUncommittedChanges
		return res, nil
	}

	if local == "" && opts.Fetcher == nil {
		res.Fetched, err = clone(ctx, repo, remote)
		if err != nil {
			return res, err
		}
		if err := repo.AdvanceTo(ctx, theirs); err != nil {
			return res, err
		}
		res.State = ouroborosvcs.MergeFastForward
		res.Head = theirs
		log.WithField("chunks", res.Fetched).Info("Cloned branch")
		return res, nil
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = RemoteFetcher{Remote: remote}
	}
	res.Fetched, err = FetchClosure(ctx, repo, fetcher, theirs, opts.BatchSize)
	if err != nil {
		return res, err
	}
	merged, err := repo.Merge(ctx, theirs)
	if err != nil {
		return res, err
	}
	res.State = merged.State
	res.Head = merged.Head
	log.WithFields(logrus.Fields{"chunks": res.Fetched, "state": merged.State.String()}).Info("Pulled")
	return res, nil
}

func clone(ctx context.Context, repo *ouroborosvcs.Repository, remote *Remote) (int, error) {
	tx := repo.Store().Begin()
	defer tx.Cancel()
	n, err := remote.GetAllChunks(ctx, func(c protocol.Chunk) error {
		_, err := tx.PutWithHash(c.Hash, c.Data)
		return err
	})
	if err != nil {
		return n, err
	}
	return n, tx.Commit(ctx)
}
