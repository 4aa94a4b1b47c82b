package chunkstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// Transaction collects puts until Commit. Gets through the transaction see
// its own uncommitted puts. A Transaction is not safe for concurrent use.
type Transaction struct {
	store   *Store
	pending map[hash.Hash][]byte
	order   []hash.Hash
	closed  bool
}

// Put stores data under its content hash. isNew is false when the chunk is
// already committed or already pending in this transaction.
func (t *Transaction) Put(data []byte) (hash.Hash, bool, error) {
	h := t.store.alg.Sum(data)
	isNew, err := t.put(h, data)
	return h, isNew, err
}

// PutWithHash stores a chunk received from elsewhere after checking that it
// hashes to the claimed value.
func (t *Transaction) PutWithHash(claimed hash.Hash, data []byte) (bool, error) {
	if got := t.store.alg.Sum(data); got != claimed {
		return false, fmt.Errorf("%w: claimed %s, content hashes to %s", ErrIntegrity, claimed, got)
	}
	return t.put(claimed, data)
}

func (t *Transaction) put(h hash.Hash, data []byte) (bool, error) {
	if t.closed {
		return false, ErrTxClosed
	}
	if _, ok := t.pending[h]; ok {
		return false, nil
	}
	exists, err := t.store.Contains(h)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	t.pending[h] = append([]byte(nil), data...)
	t.order = append(t.order, h)
	return true, nil
}

func (t *Transaction) Contains(h hash.Hash) (bool, error) {
	if _, ok := t.pending[h]; ok {
		return true, nil
	}
	return t.store.Contains(h)
}

func (t *Transaction) Get(h hash.Hash) ([]byte, error) {
	if data, ok := t.pending[h]; ok {
		return data, nil
	}
	return t.store.Get(h)
}

// New returns the hashes put in this transaction that were not yet stored,
// in put order.
func (t *Transaction) New() []hash.Hash {
	return append([]hash.Hash(nil), t.order...)
}

// Commit writes every pending chunk as one batch under the exclusive store
// lock and closes the transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	defer t.close()
	if len(t.pending) == 0 {
		return nil
	}

	release, err := t.store.lock.wlock(ctx, t.store.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := t.store.backend.Write(ctx, t.pending); err != nil {
		return fmt.Errorf("failed to commit %d chunks: %w", len(t.pending), err)
	}
	atomic.AddUint64(&t.store.writeCounter, uint64(len(t.pending)))
	t.store.log.WithFields(logrus.Fields{"chunks": len(t.pending)}).Debug("Committed chunk transaction")
	return nil
}

// Cancel drops all pending puts. Cancel after Commit is a no-op.
func (t *Transaction) Cancel() {
	if !t.closed {
		t.close()
	}
}

func (t *Transaction) close() {
	t.closed = true
	t.pending = nil
	t.order = nil
	t.store.writer.Unlock()
}
