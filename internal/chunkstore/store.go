// Package chunkstore is the content-addressed chunk storage of a repository.
//
// Writes go through a Transaction and become durable and visible on Commit.
// Reads verify that the stored bytes hash to the key they were stored under.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound     = errors.New("chunk not found")
	ErrIntegrity    = errors.New("chunk hash mismatch")
	ErrTxClosed     = errors.New("transaction already closed")
	ErrLockTimeout  = errors.New("timed out waiting for chunk store lock")
	ErrUnknownStore = errors.New("unknown chunk store backend")
)

// LockFileName is the advisory lock file guarding iteration against writers.
const LockFileName = "chunks.lock"

type Options struct {
	Backend     string // badger | leveldb | memory
	Path        string // directory, ignored for memory
	Algorithm   hash.Algorithm
	LockTimeout time.Duration
	Logger      *logrus.Logger
}

// Store is a ChunkStore. Many readers may use it concurrently with one
// write Transaction at a time.
type Store struct {
	backend     Backend
	alg         hash.Algorithm
	lock        *fileLock
	lockTimeout time.Duration
	log         *logrus.Logger

	writer sync.Mutex // one open write transaction

	readCounter  uint64
	writeCounter uint64
}

func Open(opts Options) (*Store, error) {
	if opts.Algorithm == nil {
		opts.Algorithm = hash.BLAKE3
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}

	var backend Backend
	var err error
	lockPath := ""
	switch opts.Backend {
	case "", "badger":
		backend, err = OpenBadger(opts.Path)
		lockPath = opts.Path
	case "leveldb":
		backend, err = OpenLevelDB(opts.Path)
		lockPath = opts.Path
	case "memory":
		backend, err = OpenBadger("")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if lockPath != "" {
		lockPath = filepath.Join(lockPath, LockFileName)
	}
	return &Store{
		backend:     backend,
		alg:         opts.Algorithm,
		lock:        newFileLock(lockPath),
		lockTimeout: opts.LockTimeout,
		log:         opts.Logger,
	}, nil
}

func (s *Store) Algorithm() hash.Algorithm {
	return s.alg
}

// Contains reports whether a committed chunk exists.
func (s *Store) Contains(h hash.Hash) (bool, error) {
	atomic.AddUint64(&s.readCounter, 1)
	return s.backend.Has(h)
}

// Get returns the committed chunk stored under h. The content is verified
// against h before it is returned.
func (s *Store) Get(h hash.Hash) ([]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	data, err := s.backend.Get(h)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, err
	}
	if got := s.alg.Sum(data); got != h {
		return nil, fmt.Errorf("%w: stored under %s, content hashes to %s", ErrIntegrity, h, got)
	}
	return data, nil
}

// Begin opens the write transaction. It blocks while another one is open.
func (s *Store) Begin() *Transaction {
	s.writer.Lock()
	return &Transaction{store: s, pending: make(map[hash.Hash][]byte)}
}

// Iterator takes the shared store lock, retrying until LockTimeout, and
// returns an iterator over every chunk. Callers must Unlock it.
func (s *Store) Iterator(ctx context.Context) (*Iterator, error) {
	release, err := s.lock.rlock(ctx, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	return &Iterator{store: s, release: release}, nil
}

// Count returns the number of committed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx)
}

// Delete removes chunks. Only compaction uses it, chunks are otherwise immutable.
func (s *Store) Delete(ctx context.Context, hashes []hash.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	s.writer.Lock()
	defer s.writer.Unlock()
	release, err := s.lock.wlock(ctx, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	if err := s.backend.Delete(ctx, hashes); err != nil {
		return fmt.Errorf("failed to delete %d chunks: %w", len(hashes), err)
	}
	s.log.WithFields(logrus.Fields{"chunks": len(hashes)}).Info("Deleted chunks")
	return nil
}

// Counters returns and resets the read and write operation counters.
func (s *Store) Counters() (reads, writes uint64) {
	return atomic.SwapUint64(&s.readCounter, 0), atomic.SwapUint64(&s.writeCounter, 0)
}

// StartCounterLogger logs chunk operations per interval until ctx is done.
func (s *Store) StartCounterLogger(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reads, writes := s.Counters()
				s.log.WithFields(logrus.Fields{"read_ops": reads, "write_ops": writes}).Debug("Chunk operations")
			}
		}
	}()
}

func (s *Store) Close() error {
	return s.backend.Close()
}
