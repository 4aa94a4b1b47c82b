package merge

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
)

// ConflictSolver decides a file both sides changed relative to the parent.
type ConflictSolver interface {
	Solve(path string, ours, theirs tree.Entry) (tree.Entry, error)
}

// OursSolver keeps the local version.
type OursSolver struct{}

func (OursSolver) Solve(_ string, ours, _ tree.Entry) (tree.Entry, error) { return ours, nil }

// TheirsSolver takes the incoming version.
type TheirsSolver struct{}

func (TheirsSolver) Solve(_ string, _, theirs tree.Entry) (tree.Entry, error) { return theirs, nil }

// SolverFunc adapts a function to ConflictSolver.
type SolverFunc func(path string, ours, theirs tree.Entry) (tree.Entry, error)

func (f SolverFunc) Solve(path string, ours, theirs tree.Entry) (tree.Entry, error) {
	return f(path, ours, theirs)
}

func SolverByName(name string) (ConflictSolver, error) {
	switch name {
	case "", "ours":
		return OursSolver{}, nil
	case "theirs":
		return TheirsSolver{}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// ThreeWay merges theirs into ours against parent, the common ancestor (nil
// for unrelated histories). The result is an unbuilt accessor over ours'
// tree with the merged changes applied.
func ThreeWay(ctx context.Context, r *tree.Reader, ours, theirs, parent *tree.CommitBox, solver ConflictSolver) (*tree.Accessor, error) {
	if solver == nil {
		solver = OursSolver{}
	}
	var parentTree types.Ref
	if parent != nil {
		parentTree = parent.Tree
	}
	out, err := tree.Open(ctx, r, ours.Tree)
	if err != nil {
		return nil, err
	}

	it := tree.NewTreeIterator(r, ours.Tree, theirs.Tree)
	for {
		c, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		base, inParent, err := r.Lookup(ctx, parentTree, c.Path)
		if err != nil {
			return nil, err
		}

		switch c.Type {
		case tree.Added:
			// present in parent means ours deleted it
			if !inParent {
				err = out.PutEntry(ctx, c.Path, *c.Theirs)
			}
		case tree.Removed:
			if inParent && base.Same(*c.Ours) {
				err = out.Remove(ctx, c.Path)
			}
		case tree.Modified:
			if c.BothDirs() {
				continue
			}
			switch {
			case inParent && base.Same(*c.Ours):
				err = out.PutEntry(ctx, c.Path, *c.Theirs)
			case inParent && base.Same(*c.Theirs):
			case c.Ours.IsFile():
				var resolved tree.Entry
				resolved, err = solver.Solve(c.Path, *c.Ours, *c.Theirs)
				if err == nil && !resolved.Same(*c.Ours) {
					err = out.PutEntry(ctx, c.Path, resolved)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", c, err)
		}
	}
}
