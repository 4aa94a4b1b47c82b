package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/i5heu/ouroboros-vcs/internal/branchlog"
	"github.com/i5heu/ouroboros-vcs/internal/chunkstore"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// Branch is the server side state of one branch: its own chunk store and
// branch log. The server never decodes boxes, so no key is needed.
type Branch struct {
	Name  string
	Store *chunkstore.Store
	Log   *branchlog.Log

	// push serializes the write-then-compare-and-swap of PUT_CHUNKS
	push sync.Mutex
}

// Registry opens branches lazily under DataDir/<branch>/.
type Registry struct {
	dataDir string
	backend string
	alg     hash.Algorithm
	log     *logrus.Logger

	mu       sync.Mutex
	branches map[string]*Branch
	tempDir  string
}

func NewRegistry(cfg *config.ServerConfig) (*Registry, error) {
	alg, err := hash.Lookup(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		dataDir:  cfg.DataDir,
		backend:  cfg.Backend,
		alg:      alg,
		log:      cfg.Logger,
		branches: make(map[string]*Branch),
	}
	if r.backend == config.BackendMemory && r.dataDir == "" {
		r.tempDir, err = os.MkdirTemp("", "ovcs-server-")
		if err != nil {
			return nil, err
		}
		r.dataDir = r.tempDir
	}
	return r, nil
}

// Branch returns the named branch, opening it on first use.
func (r *Registry) Branch(name string) (*Branch, error) {
	if err := config.CheckBranchName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.branches[name]; ok {
		return b, nil
	}

	dir := filepath.Join(r.dataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create branch dir: %w", err)
	}
	storePath := ""
	if r.backend != config.BackendMemory {
		storePath = filepath.Join(dir, "chunks")
	}
	store, err := chunkstore.Open(chunkstore.Options{
		Backend:   r.backend,
		Path:      storePath,
		Algorithm: r.alg,
		Logger:    r.log,
	})
	if err != nil {
		return nil, err
	}
	log, err := branchlog.Open(dir, name, r.alg, r.log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	b := &Branch{Name: name, Store: store, Log: log}
	r.branches[name] = b
	r.log.WithField("branch", name).Info("Opened branch")
	return b, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, b := range r.branches {
		if err := b.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close branch %s: %w", name, err)
		}
	}
	r.branches = make(map[string]*Branch)
	if r.tempDir != "" {
		_ = os.RemoveAll(r.tempDir)
	}
	return firstErr
}
