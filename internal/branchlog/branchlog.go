// Package branchlog implements the append-only history of tip pointers of
// one branch.
//
// Records are stored in <dir>/<branch>.log as a big-endian uint32 length
// followed by a protowire encoded record. A torn record at the end of the
// file is ignored until it is complete.
package branchlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrEntryID          = errors.New("entry id does not match message")
	ErrRevisionConflict = errors.New("branch log revisions are not strictly increasing")
	ErrCorrupt          = errors.New("corrupt branch log record")
)

const maxRecordSize = 64 << 20

// Entry is one tip advance.
type Entry struct {
	Rev     uint64      // Strictly increasing, first entry is 1
	ID      hash.Hash   // Hash of Message
	Message string      // Usually an encoded ChunkContainerRef
	Chunks  []hash.Hash // Chunks introduced with this entry
}

// Log is a BranchLog. It is safe for concurrent use within a process and
// takes an exclusive file lock around appends for use across processes.
type Log struct {
	path        string
	alg         hash.Algorithm
	log         *logrus.Logger
	lockTimeout time.Duration

	mu      sync.Mutex
	entries []Entry
	index   map[hash.Hash]int
	offset  int64
}

func Open(dir, branch string, alg hash.Algorithm, logger *logrus.Logger) (*Log, error) {
	if alg == nil {
		alg = hash.BLAKE3
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create branch log dir: %w", err)
	}
	l := &Log{
		path:        filepath.Join(dir, branch+".log"),
		alg:         alg,
		log:         logger,
		lockTimeout: 5 * time.Second,
		index:       make(map[hash.Hash]int),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, err
	}
	return l, nil
}

// EntryID is the id of a log entry carrying message.
func (l *Log) EntryID(message string) hash.Hash {
	return l.alg.Sum([]byte(message))
}

// Latest returns the entry with the highest revision, nil if the branch has
// no history yet.
func (l *Log) Latest() (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, err
	}
	return l.latest(), nil
}

func (l *Log) latest() *Entry {
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[len(l.entries)-1]
	return &e
}

// Entries returns all entries, oldest first.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, err
	}
	return append([]Entry(nil), l.entries...), nil
}

// Get looks an entry up by id.
func (l *Log) Get(id hash.Hash) (*Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, false, err
	}
	i, ok := l.index[id]
	if !ok {
		return nil, false, nil
	}
	e := l.entries[i]
	return &e, true, nil
}

// Add appends an entry with revision latest+1. Adding the entry that is
// already the latest returns it without appending.
func (l *Log) Add(ctx context.Context, id hash.Hash, message string, chunks []hash.Hash) (Entry, error) {
	var out Entry
	err := l.locked(ctx, func() error {
		e, err := l.append(id, message, chunks)
		out = e
		return err
	})
	return out, err
}

// AddIfLatest appends only if the current latest entry id equals expected.
// A zero expected id means the branch must have no history. It reports
// whether the entry is now the latest.
func (l *Log) AddIfLatest(ctx context.Context, expected, id hash.Hash, message string, chunks []hash.Hash) (bool, error) {
	applied := false
	err := l.locked(ctx, func() error {
		var current hash.Hash
		if latest := l.latest(); latest != nil {
			current = latest.ID
			if latest.ID == id && id != expected {
				// replay of an update that already went through
				applied = true
				return nil
			}
		}
		if current != expected {
			return nil
		}
		if _, err := l.append(id, message, chunks); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (l *Log) locked(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	fl := flock.New(l.path + ".lock")
	ok, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !ok {
		return fmt.Errorf("failed to lock branch log %s: %w", l.path, errors.Join(err, context.Cause(ctx)))
	}
	defer func() { _ = fl.Unlock() }()

	if err := l.refresh(); err != nil {
		return err
	}
	return fn()
}

func (l *Log) append(id hash.Hash, message string, chunks []hash.Hash) (Entry, error) {
	if l.EntryID(message) != id {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryID, id.Short())
	}
	latest := l.latest()
	if latest != nil && latest.ID == id {
		return *latest, nil
	}
	e := Entry{Rev: 1, ID: id, Message: message, Chunks: append([]hash.Hash(nil), chunks...)}
	if latest != nil {
		e.Rev = latest.Rev + 1
	}

	record := encodeEntry(e)
	buf := make([]byte, 4, 4+len(record))
	binary.BigEndian.PutUint32(buf, uint32(len(record)))
	buf = append(buf, record...)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open branch log: %w", err)
	}
	defer f.Close()
	// drop a torn tail left by a crashed writer
	if err := f.Truncate(l.offset); err != nil {
		return Entry{}, fmt.Errorf("failed to truncate branch log: %w", err)
	}
	if _, err := f.WriteAt(buf, l.offset); err != nil {
		return Entry{}, fmt.Errorf("failed to append to branch log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("failed to sync branch log: %w", err)
	}

	l.index[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	l.offset += int64(len(buf))
	l.log.WithFields(logrus.Fields{"rev": e.Rev, "entry": e.ID.Short(), "chunks": len(e.Chunks)}).Debug("Appended branch log entry")
	return e, nil
}

// refresh reads records appended since the last read. Callers hold mu.
func (l *Log) refresh() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open branch log: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return err
	}

	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			// EOF or a torn length prefix
			return nil
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxRecordSize {
			return fmt.Errorf("%w: record of %d bytes at offset %d", ErrCorrupt, size, l.offset)
		}
		record := make([]byte, size)
		if _, err := io.ReadFull(f, record); err != nil {
			return nil
		}
		e, err := decodeEntry(record)
		if err != nil {
			return fmt.Errorf("%w at offset %d: %v", ErrCorrupt, l.offset, err)
		}
		if latest := l.latest(); latest != nil && e.Rev <= latest.Rev {
			return fmt.Errorf("%w: rev %d after %d", ErrRevisionConflict, e.Rev, latest.Rev)
		}
		l.index[e.ID] = len(l.entries)
		l.entries = append(l.entries, e)
		l.offset += int64(4 + size)
	}
}

const (
	fieldRev     protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldMessage protowire.Number = 3
	fieldChunk   protowire.Number = 4
)

func encodeEntry(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRev, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Rev)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ID[:])
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	for _, c := range e.Chunks {
		b = protowire.AppendTag(b, fieldChunk, protowire.BytesType)
		b = protowire.AppendBytes(b, c[:])
	}
	return b
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldRev && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, protowire.ParseError(n)
			}
			e.Rev = v
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, protowire.ParseError(n)
			}
			b = b[n:]
			var err error
			switch num {
			case fieldID:
				e.ID, err = hash.FromBytes(v)
			case fieldMessage:
				e.Message = string(v)
			case fieldChunk:
				var c hash.Hash
				c, err = hash.FromBytes(v)
				e.Chunks = append(e.Chunks, c)
			}
			if err != nil {
				return Entry{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if e.Rev == 0 {
		return Entry{}, errors.New("record without revision")
	}
	return e, nil
}
