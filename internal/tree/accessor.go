package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-vcs/internal/container"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/types"
)

var (
	ErrNotExist    = errors.New("path does not exist")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrInvalidPath = errors.New("invalid path")
)

// Accessor is a mutable view of a tree. Directories are loaded lazily when
// a path goes through them, changes stay in memory until Build.
type Accessor struct {
	r    *Reader
	root *dirNode
}

type dirNode struct {
	ref   types.Ref
	box   *DirBox
	kids  map[string]*dirNode
	files map[string][]byte
	dirty bool
}

func newDirNode(ref types.Ref, box *DirBox) *dirNode {
	return &dirNode{ref: ref, box: box, kids: make(map[string]*dirNode), files: make(map[string][]byte)}
}

// Open returns an accessor over the tree rooted at root. The zero ref is an
// empty tree.
func Open(ctx context.Context, r *Reader, root types.Ref) (*Accessor, error) {
	box, err := r.ReadDir(ctx, root)
	if err != nil {
		return nil, err
	}
	return &Accessor{r: r, root: newDirNode(root, box.Clone())}, nil
}

func (a *Accessor) Reader() *Reader { return a.r }

// Clone returns an independent copy sharing only immutable data.
func (a *Accessor) Clone() *Accessor {
	return &Accessor{r: a.r, root: a.root.clone()}
}

func (n *dirNode) clone() *dirNode {
	c := newDirNode(n.ref, n.box.Clone())
	c.dirty = n.dirty
	for name, data := range n.files {
		c.files[name] = data
	}
	for name, kid := range n.kids {
		c.kids[name] = kid.clone()
	}
	return c
}

// Root is the ref of the tree as of the last Open or Build.
func (a *Accessor) Root() types.Ref { return a.root.ref }

// Dirty reports whether there are changes not yet built.
func (a *Accessor) Dirty() bool { return a.root.dirty }

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// dir walks to the directory named by parts. With create, missing
// directories are made and every node on the way is marked dirty.
func (a *Accessor) dir(ctx context.Context, parts []string, create bool) (*dirNode, error) {
	n := a.root
	if create {
		n.dirty = true
	}
	for i, name := range parts {
		child, ok := n.kids[name]
		if !ok {
			e, found := n.box.Lookup(name)
			switch {
			case found && e.IsDir():
				box, err := a.r.ReadDir(ctx, e.Ref)
				if err != nil {
					return nil, err
				}
				child = newDirNode(e.Ref, box.Clone())
			case found:
				return nil, fmt.Errorf("%w: %s", ErrNotDir, strings.Join(parts[:i+1], "/"))
			case create:
				child = newDirNode(types.Ref{}, &DirBox{})
				n.box.Put(Entry{Name: name, Kind: Dir})
			default:
				return nil, fmt.Errorf("%w: %s", ErrNotExist, strings.Join(parts[:i+1], "/"))
			}
			n.kids[name] = child
		}
		if create {
			child.dirty = true
		}
		n = child
	}
	return n, nil
}

func (a *Accessor) Get(ctx context.Context, path string) (Entry, error) {
	parts, err := splitPath(path)
	if err != nil {
		return Entry{}, err
	}
	if len(parts) == 0 {
		return Entry{Kind: Dir, Ref: a.root.ref}, nil
	}
	n, err := a.dir(ctx, parts[:len(parts)-1], false)
	if err != nil {
		return Entry{}, err
	}
	e, ok := n.box.Lookup(parts[len(parts)-1])
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return e, nil
}

func (a *Accessor) Read(ctx context.Context, path string) ([]byte, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: /", ErrIsDir)
	}
	n, err := a.dir(ctx, parts[:len(parts)-1], false)
	if err != nil {
		return nil, err
	}
	name := parts[len(parts)-1]
	if data, ok := n.files[name]; ok {
		return append([]byte(nil), data...), nil
	}
	e, ok := n.box.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if e.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	return a.r.ReadFile(ctx, e.Ref)
}

// Put sets the content of a file, creating parent directories.
func (a *Accessor) Put(ctx context.Context, path string, data []byte) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: /", ErrIsDir)
	}
	n, err := a.dir(ctx, parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if e, ok := n.box.Lookup(name); ok && e.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	n.files[name] = append([]byte(nil), data...)
	n.box.Put(Entry{Name: name, Kind: File, Size: uint64(len(data))})
	return nil
}

// PutEntry places an existing entry at path, replacing whatever was there.
func (a *Accessor) PutEntry(ctx context.Context, path string, e Entry) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		if !e.IsDir() {
			return fmt.Errorf("%w: root must be a directory", ErrNotDir)
		}
		box, err := a.r.ReadDir(ctx, e.Ref)
		if err != nil {
			return err
		}
		a.root = newDirNode(e.Ref, box.Clone())
		a.root.dirty = true
		return nil
	}
	n, err := a.dir(ctx, parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	e.Name = name
	delete(n.files, name)
	delete(n.kids, name)
	n.box.Put(e)
	return nil
}

func (a *Accessor) Remove(ctx context.Context, path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: cannot remove the root", ErrInvalidPath)
	}
	if _, err := a.Get(ctx, path); err != nil {
		return err
	}
	n, err := a.dir(ctx, parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	delete(n.files, name)
	delete(n.kids, name)
	n.box.Remove(name)
	return nil
}

// List returns the entries of a directory in insertion order.
func (a *Accessor) List(ctx context.Context, path string) ([]Entry, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) > 0 {
		e, err := a.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if !e.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDir, path)
		}
	}
	n, err := a.dir(ctx, parts, false)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), n.box.Entries...), nil
}

// Build writes every changed file and directory through sink, usually an
// accessor over a write transaction, and returns the new root ref.
func (a *Accessor) Build(ctx context.Context, sink pipeline.Accessor) (types.Ref, error) {
	if err := a.build(ctx, sink, a.root); err != nil {
		return types.Ref{}, err
	}
	return a.root.ref, nil
}

func (a *Accessor) build(ctx context.Context, acc pipeline.Accessor, n *dirNode) error {
	if !n.dirty {
		return nil
	}
	for i := range n.box.Entries {
		e := &n.box.Entries[i]
		if data, ok := n.files[e.Name]; ok {
			ref, size, err := container.NewWriter(acc).WriteBytes(ctx, data)
			if err != nil {
				return fmt.Errorf("failed to write file %s: %w", e.Name, err)
			}
			e.Ref, e.Size = ref, size
			continue
		}
		if kid, ok := n.kids[e.Name]; ok && kid.dirty {
			if err := a.build(ctx, acc, kid); err != nil {
				return err
			}
			e.Ref = kid.ref
		}
	}
	ref, err := WriteDir(ctx, acc, n.box)
	if err != nil {
		return fmt.Errorf("failed to write directory: %w", err)
	}
	n.ref = ref
	n.files = make(map[string][]byte)
	n.dirty = false
	return nil
}
