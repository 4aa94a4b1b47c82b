// Package ouroborosvcs is a content-addressed, chunk based versioned store.
//
// A Repository owns one chunk store and one branch log for a single branch.
// Files are edited in a working tree and become history through Commit.
// Histories of two repositories are reconciled with Merge; the sync client
// in internal/client moves the chunks between them.
package ouroborosvcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/i5heu/ouroboros-vcs/internal/branchlog"
	"github.com/i5heu/ouroboros-vcs/internal/chunkstore"
	"github.com/i5heu/ouroboros-vcs/internal/merge"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/signature"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/i5heu/ouroboros-vcs/pkg/spaceInformations"
	"github.com/sirupsen/logrus"
)

var (
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrNoHistory       = errors.New("branch has no history")
)

// ChunkDirName is the chunk store directory inside a repository path.
const ChunkDirName = "chunks"

type Repository struct {
	config  config.Config
	log     *logrus.Logger
	store   *chunkstore.Store
	branch  *branchlog.Log
	factory *pipeline.Factory
	reader  *tree.Reader
	signer  signature.Signer
	solver  merge.ConflictSolver

	tempDir string // branch log dir of in-memory repositories

	mu   sync.Mutex
	work *tree.Accessor // nil until first used
}

type Option func(*Repository)

// WithSigner signs new commits and verifies merged ones.
func WithSigner(s signature.Signer) Option {
	return func(r *Repository) { r.signer = s }
}

// WithSolver overrides the conflict solver picked by Config.MergeStrategy.
func WithSolver(s merge.ConflictSolver) Option {
	return func(r *Repository) { r.solver = s }
}

// Open opens or creates the repository described by cfg. The first path
// holds the chunk store and the branch log.
func Open(cfg *config.Config, opts ...Option) (*Repository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("error checking config for repository: %w", err)
	}
	log := cfg.Logger

	alg, err := hash.Lookup(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	factoryOpts := pipeline.Options{Algorithm: alg, Compression: cfg.Compression}
	if cfg.EncryptionKey != "" {
		factoryOpts.Key, factoryOpts.BaseIV, err = cfg.EncryptionMaterial()
		if err != nil {
			return nil, err
		}
	}
	factory, err := pipeline.NewFactory(factoryOpts)
	if err != nil {
		return nil, err
	}
	solver, err := merge.SolverByName(cfg.MergeStrategy)
	if err != nil {
		return nil, err
	}

	root := ""
	logDir := ""
	if cfg.Backend != config.BackendMemory {
		root = cfg.Paths[0]
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create repository dir: %w", err)
		}
		if err := spaceInformations.CheckFreeSpace(root, cfg.MinimumFreeSpace); err != nil {
			return nil, err
		}
		if err := spaceInformations.DisplayDiskUsage(log, cfg.Paths); err != nil {
			log.WithError(err).Warn("Could not determine disk usage")
		}
		logDir = root
	} else {
		logDir, err = os.MkdirTemp("", "ovcs-branchlog-")
		if err != nil {
			return nil, err
		}
	}
	tempDir := ""
	if root == "" {
		tempDir = logDir
	}

	storePath := ""
	if root != "" {
		storePath = filepath.Join(root, ChunkDirName)
	}
	store, err := chunkstore.Open(chunkstore.Options{
		Backend:     cfg.Backend,
		Path:        storePath,
		Algorithm:   alg,
		LockTimeout: cfg.LockTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	branch, err := branchlog.Open(logDir, cfg.Branch, alg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r := &Repository{
		config:  *cfg,
		log:     log,
		store:   store,
		branch:  branch,
		factory: factory,
		reader:  tree.NewReader(factory.Accessor(store), cfg.CacheSize),
		signer:  signature.Noop{},
		solver:  solver,
		tempDir: tempDir,
	}
	for _, opt := range opts {
		opt(r)
	}

	log.WithFields(logrus.Fields{
		"branch":    cfg.Branch,
		"backend":   cfg.Backend,
		"hash":      alg.Name(),
		"encrypted": factory.Encrypted(),
	}).Debug("Opened repository")
	return r, nil
}

func (r *Repository) Close() error {
	err := r.store.Close()
	if r.tempDir != "" {
		_ = os.RemoveAll(r.tempDir)
	}
	return err
}

func (r *Repository) Branch() string { return r.config.Branch }
func (r *Repository) Store() *chunkstore.Store { return r.store }
func (r *Repository) BranchLog() *branchlog.Log { return r.branch }
func (r *Repository) Factory() *pipeline.Factory { return r.factory }
func (r *Repository) Reader() *tree.Reader { return r.reader }
func (r *Repository) Logger() *logrus.Logger { return r.log }
func (r *Repository) Solver() merge.ConflictSolver { return r.solver }

// HeadRef returns the commit ref of the latest branch log entry.
func (r *Repository) HeadRef() (types.Ref, bool, error) {
	latest, err := r.branch.Latest()
	if err != nil {
		return types.Ref{}, false, err
	}
	if latest == nil {
		return types.Ref{}, false, nil
	}
	ref, err := types.ParseRef(latest.Message)
	if err != nil {
		return types.Ref{}, false, fmt.Errorf("branch log rev %d: %w", latest.Rev, err)
	}
	return ref, true, nil
}

// Head returns the head commit, nil when the branch has no history.
func (r *Repository) Head(ctx context.Context) (*merge.Commit, error) {
	ref, ok, err := r.HeadRef()
	if err != nil || !ok {
		return nil, err
	}
	box, err := r.reader.ReadCommit(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &merge.Commit{Ref: ref, Box: box}, nil
}

// TipMessage is the latest branch log message, empty without history. It is
// what GET_REMOTE_TIP reports for a branch.
func (r *Repository) TipMessage() (string, error) {
	latest, err := r.branch.Latest()
	if err != nil || latest == nil {
		return "", err
	}
	return latest.Message, nil
}

// Tip returns the data hash of the latest committed tree.
func (r *Repository) Tip(ctx context.Context) (hash.Hash, error) {
	head, err := r.Head(ctx)
	if err != nil || head == nil {
		return hash.Hash{}, err
	}
	return head.Box.Tree.DataHash, nil
}

// workTree opens the working tree over the head tree on first use. Callers
// hold mu.
func (r *Repository) workTree(ctx context.Context) (*tree.Accessor, error) {
	if r.work != nil {
		return r.work, nil
	}
	var root types.Ref
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head != nil {
		root = head.Box.Tree
	}
	work, err := tree.Open(ctx, r.reader, root)
	if err != nil {
		return nil, err
	}
	r.work = work
	return work, nil
}

// HasUncommittedChanges reports whether the working tree differs from head.
func (r *Repository) HasUncommittedChanges() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.work != nil && r.work.Dirty()
}
