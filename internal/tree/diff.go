package tree

import (
	"context"
	"fmt"
	"path"

	"github.com/i5heu/ouroboros-vcs/internal/types"
)

type ChangeType uint8

const (
	Added ChangeType = iota + 1
	Removed
	Modified
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "ADDED"
	case Removed:
		return "REMOVED"
	case Modified:
		return "MODIFIED"
	default:
		return fmt.Sprintf("ChangeType(%d)", uint8(c))
	}
}

// Change is one difference between ours and theirs. Ours is nil for Added,
// Theirs is nil for Removed.
type Change struct {
	Type   ChangeType
	Path   string
	Ours   *Entry
	Theirs *Entry
}

// BothDirs reports whether a Modified change is between two directories.
func (c Change) BothDirs() bool {
	return c.Ours != nil && c.Theirs != nil && c.Ours.IsDir() && c.Theirs.IsDir()
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s", c.Type, c.Path)
}

// DirBoxDiffIterator compares two directory boxes entry by entry in name
// order. Identical entries are skipped.
type DirBoxDiffIterator struct {
	dir    string
	ours   []Entry
	theirs []Entry
	i, j   int
}

func NewDirBoxDiffIterator(dir string, ours, theirs *DirBox) *DirBoxDiffIterator {
	if ours == nil {
		ours = &DirBox{}
	}
	if theirs == nil {
		theirs = &DirBox{}
	}
	return &DirBoxDiffIterator{dir: dir, ours: ours.Sorted(), theirs: theirs.Sorted()}
}

// Next returns the next change, false when the directories are exhausted.
func (it *DirBoxDiffIterator) Next() (Change, bool) {
	for it.i < len(it.ours) || it.j < len(it.theirs) {
		switch {
		case it.j == len(it.theirs) || (it.i < len(it.ours) && it.ours[it.i].Name < it.theirs[it.j].Name):
			o := it.ours[it.i]
			it.i++
			return Change{Type: Removed, Path: path.Join(it.dir, o.Name), Ours: &o}, true
		case it.i == len(it.ours) || it.theirs[it.j].Name < it.ours[it.i].Name:
			t := it.theirs[it.j]
			it.j++
			return Change{Type: Added, Path: path.Join(it.dir, t.Name), Theirs: &t}, true
		default:
			o, t := it.ours[it.i], it.theirs[it.j]
			it.i++
			it.j++
			if o.Same(t) {
				continue
			}
			return Change{Type: Modified, Path: path.Join(it.dir, o.Name), Ours: &o, Theirs: &t}, true
		}
	}
	return Change{}, false
}

type pendingDiff struct {
	dir          string
	ours, theirs types.Ref
}

// TreeIterator is a full recursive tree diff. Modified directory pairs are
// queued and expanded breadth first once the current level is done.
type TreeIterator struct {
	r       *Reader
	current *DirBoxDiffIterator
	queue   []pendingDiff
}

func NewTreeIterator(r *Reader, ours, theirs types.Ref) *TreeIterator {
	return &TreeIterator{r: r, queue: []pendingDiff{{dir: "", ours: ours, theirs: theirs}}}
}

func (it *TreeIterator) Next(ctx context.Context) (Change, bool, error) {
	for {
		if it.current != nil {
			if c, ok := it.current.Next(); ok {
				if c.Type == Modified && c.BothDirs() {
					it.queue = append(it.queue, pendingDiff{dir: c.Path, ours: c.Ours.Ref, theirs: c.Theirs.Ref})
				}
				return c, true, nil
			}
			it.current = nil
		}
		if len(it.queue) == 0 {
			return Change{}, false, nil
		}
		next := it.queue[0]
		it.queue = it.queue[1:]
		if next.ours.Equal(next.theirs) && !next.ours.IsZero() {
			continue
		}
		ours, err := it.r.ReadDir(ctx, next.ours)
		if err != nil {
			return Change{}, false, err
		}
		theirs, err := it.r.ReadDir(ctx, next.theirs)
		if err != nil {
			return Change{}, false, err
		}
		it.current = NewDirBoxDiffIterator(next.dir, ours, theirs)
	}
}

// Collect drains the iterator.
func (it *TreeIterator) Collect(ctx context.Context) ([]Change, error) {
	var out []Change
	for {
		c, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c)
	}
}
