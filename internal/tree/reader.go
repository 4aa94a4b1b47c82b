package tree

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/i5heu/ouroboros-vcs/internal/container"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// Reader loads directory and commit boxes through a chunk accessor and
// keeps decoded boxes in an LRU keyed by data hash. Boxes handed out are
// shared and must not be modified.
type Reader struct {
	acc     pipeline.Accessor
	dirs    *lru.Cache[hash.Hash, *DirBox]
	commits *lru.Cache[hash.Hash, *CommitBox]
}

func NewReader(acc pipeline.Accessor, cacheSize int) *Reader {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	dirs, _ := lru.New[hash.Hash, *DirBox](cacheSize)
	commits, _ := lru.New[hash.Hash, *CommitBox](cacheSize)
	return &Reader{acc: acc, dirs: dirs, commits: commits}
}

func (r *Reader) Accessor() pipeline.Accessor {
	return r.acc
}

// ReadDir loads a directory box. The zero ref is the empty directory.
func (r *Reader) ReadDir(ctx context.Context, ref types.Ref) (*DirBox, error) {
	if ref.IsZero() {
		return &DirBox{}, nil
	}
	if d, ok := r.dirs.Get(ref.DataHash); ok {
		return d, nil
	}
	data, err := container.ReadAll(ctx, r.acc, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", ref, err)
	}
	d, err := DecodeDirBox(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode directory %s: %w", ref, err)
	}
	r.dirs.Add(ref.DataHash, d)
	return d, nil
}

func (r *Reader) ReadCommit(ctx context.Context, ref types.Ref) (*CommitBox, error) {
	if c, ok := r.commits.Get(ref.DataHash); ok {
		return c, nil
	}
	data, err := container.ReadAll(ctx, r.acc, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", ref, err)
	}
	c, err := DecodeCommitBox(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode commit %s: %w", ref, err)
	}
	r.commits.Add(ref.DataHash, c)
	return c, nil
}

func (r *Reader) ReadFile(ctx context.Context, ref types.Ref) ([]byte, error) {
	return container.ReadAll(ctx, r.acc, ref)
}

// Lookup resolves a slash separated path below root.
func (r *Reader) Lookup(ctx context.Context, root types.Ref, path string) (Entry, bool, error) {
	parts, err := splitPath(path)
	if err != nil {
		return Entry{}, false, err
	}
	if len(parts) == 0 {
		return Entry{Kind: Dir, Ref: root}, true, nil
	}
	dir := root
	for i, name := range parts {
		box, err := r.ReadDir(ctx, dir)
		if err != nil {
			return Entry{}, false, err
		}
		e, ok := box.Lookup(name)
		if !ok {
			return Entry{}, false, nil
		}
		if i == len(parts)-1 {
			return e, true, nil
		}
		if !e.IsDir() {
			return Entry{}, false, nil
		}
		dir = e.Ref
	}
	return Entry{}, false, nil
}

// WriteDir stores a directory box as a container.
func WriteDir(ctx context.Context, acc pipeline.Accessor, d *DirBox) (types.Ref, error) {
	ref, _, err := container.NewWriter(acc).WriteBytes(ctx, d.Encode())
	return ref, err
}

// WriteCommit stores a commit box as a container. The returned ref is the
// commit's ref hash carrier.
func WriteCommit(ctx context.Context, acc pipeline.Accessor, c *CommitBox) (types.Ref, error) {
	ref, _, err := container.NewWriter(acc).WriteBytes(ctx, c.Encode())
	return ref, err
}

// WalkChunks calls fn with the box hash of every chunk reachable from e:
// container nodes, data chunks and, for directories, everything below.
func (r *Reader) WalkChunks(ctx context.Context, e Entry, fn func(hash.Hash) error) error {
	if e.Ref.IsZero() {
		return nil
	}
	err := container.Walk(ctx, r.acc, e.Ref, func(ref types.Ref, _ bool) error {
		return fn(ref.BoxHash)
	})
	if err != nil || e.IsFile() {
		return err
	}
	box, err := r.ReadDir(ctx, e.Ref)
	if err != nil {
		return err
	}
	for _, child := range box.Entries {
		if err := r.WalkChunks(ctx, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkCommit calls fn for the chunks of a commit container and of its whole
// tree. Parents are not followed.
func (r *Reader) WalkCommit(ctx context.Context, ref types.Ref, fn func(hash.Hash) error) error {
	err := container.Walk(ctx, r.acc, ref, func(x types.Ref, _ bool) error {
		return fn(x.BoxHash)
	})
	if err != nil {
		return err
	}
	c, err := r.ReadCommit(ctx, ref)
	if err != nil {
		return err
	}
	return r.WalkChunks(ctx, Entry{Kind: Dir, Ref: c.Tree}, fn)
}
