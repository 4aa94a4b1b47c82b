package client

import (
	"context"
	"errors"
	"fmt"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/sirupsen/logrus"
)

var (
	ErrTooManyRetries     = errors.New("sync gave up after repeated conflicts")
	ErrUncommittedChanges = errors.New("working tree has uncommitted changes")
)

type syncState int

const (
	syncAttempt syncState = iota
	syncConflict
	syncDone
)

type SyncResult struct {
	Attempts int
	Pulls    []PullResult
	Push     PushResult
}

// Sync pushes local history, and on PULL_REQUIRED pulls, merges and tries
// again, at most maxRetries times after the first attempt.
func Sync(ctx context.Context, repo *ouroborosvcs.Repository, remote *Remote, maxRetries int, opts PullOptions) (SyncResult, error) {
	var res SyncResult
	log := repo.Logger().WithFields(logrus.Fields{"branch": remote.Branch(), "op": "sync"})

	if _, ok, err := repo.HeadRef(); err != nil {
		return res, err
	} else if !ok {
		pulled, err := Pull(ctx, repo, remote, opts)
		res.Pulls = append(res.Pulls, pulled)
		return res, err
	}

	state := syncAttempt
	for state != syncDone {
		switch state {
		case syncAttempt:
			if res.Attempts > maxRetries {
				return res, fmt.Errorf("%w (%d attempts)", ErrTooManyRetries, res.Attempts)
			}
			res.Attempts++
			pushed, err := Push(ctx, repo, remote)
			res.Push = pushed
			if err != nil {
				return res, err
			}
			if pushed.Status == PushPullRequired {
				state = syncConflict
				continue
			}
			state = syncDone

		case syncConflict:
			log.WithField("attempt", res.Attempts).Info("Push conflicted, pulling")
			pulled, err := Pull(ctx, repo, remote, opts)
			res.Pulls = append(res.Pulls, pulled)
			if err != nil {
				return res, err
			}
			if pulled.State == ouroborosvcs.MergeUncommittedChanges {
				return res, ErrUncommittedChanges
			}
			state = syncAttempt
		}
	}
	return res, nil
}
