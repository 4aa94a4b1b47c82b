// Package merge finds how two commit histories relate and merges trees.
package merge

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// Commit is a decoded commit together with the ref it was read from.
type Commit struct {
	Ref types.Ref
	Box *tree.CommitBox
}

// Chain is a run of commits from a start commit back along first parents,
// newest first.
type Chain struct {
	Commits []Commit
	// Base is the commit the chain closed on, one reachable from both tips.
	Base *Commit
	// JoinsAt is set when the chain ran into a commit an earlier chain
	// already holds.
	JoinsAt *types.Ref
	// NullParent marks a chain ending at a root commit. It never leaves the
	// process, pushes only send chunks.
	NullParent bool
}

// Chains is the result of a Finder walk, in traversal order.
type Chains struct {
	Chains []*Chain
	// theirs holds every commit reachable from the other tip.
	theirs map[hash.Hash]struct{}
	// bases are the lowest common ancestors in traversal order.
	bases []Commit
}

// NewCommits returns all commits of all chains, in traversal order.
func (c *Chains) NewCommits() []Commit {
	var out []Commit
	for _, ch := range c.Chains {
		out = append(out, ch.Commits...)
	}
	return out
}

// Contains reports whether a commit is part of any chain or closes one.
func (c *Chains) Contains(ref types.Ref) bool {
	for _, ch := range c.Chains {
		if ch.Base != nil && ch.Base.Ref.Equal(ref) {
			return true
		}
		for _, cm := range ch.Commits {
			if cm.Ref.Equal(ref) {
				return true
			}
		}
	}
	return false
}

// InTheirs reports whether ref is reachable from the other tip.
func (c *Chains) InTheirs(ref types.Ref) bool {
	_, ok := c.theirs[ref.DataHash]
	return ok
}

// TerminatesAt reports whether some chain closed exactly on ref.
func (c *Chains) TerminatesAt(ref types.Ref) bool {
	for _, ch := range c.Chains {
		if ch.Base != nil && ch.Base.Ref.Equal(ref) {
			return true
		}
	}
	return false
}

// Shortest returns the shortest chain that closed on a common commit, the
// first one in traversal order on ties. Nil when the histories share nothing.
func (c *Chains) Shortest() *Chain {
	var best *Chain
	for _, ch := range c.Chains {
		if ch.Base == nil {
			continue
		}
		if best == nil || len(ch.Commits) < len(best.Commits) {
			best = ch
		}
	}
	return best
}

// MergeBases returns the lowest common ancestors: commits reachable from
// both tips that are not an ancestor of another such commit.
func (c *Chains) MergeBases() []Commit {
	return c.bases
}

// MergeBase is the first lowest common ancestor in traversal order, nil when
// the histories share nothing. Criss-cross histories can have several.
func (c *Chains) MergeBase() *Commit {
	if len(c.bases) == 0 {
		return nil
	}
	return &c.bases[0]
}

// Finder is the CommonAncestorsFinder. Each side reads commits through its
// own tree.Reader, whose commit cache serves as the decoded commit arena.
type Finder struct {
	ours   *tree.Reader
	theirs *tree.Reader
}

func NewFinder(ours, theirs *tree.Reader) *Finder {
	if theirs == nil {
		theirs = ours
	}
	return &Finder{ours: ours, theirs: theirs}
}

// Find walks back from ours until every path reaches a commit that is also
// an ancestor of theirs (or theirs itself). Merge commits fork new chains,
// one per additional parent. A zero theirs collects the complete history.
func (f *Finder) Find(ctx context.Context, ours, theirs types.Ref) (*Chains, error) {
	theirSet, err := f.ancestors(ctx, theirs)
	if err != nil {
		return nil, err
	}
	out := &Chains{theirs: theirSet}
	if ours.IsZero() {
		return out, nil
	}

	visited := make(map[hash.Hash]struct{})
	starts := []types.Ref{ours}
	for len(starts) > 0 {
		cur := starts[0]
		starts = starts[1:]
		chain := &Chain{}
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := theirSet[cur.DataHash]; ok {
				box, err := f.ours.ReadCommit(ctx, cur)
				if err != nil {
					return nil, err
				}
				chain.Base = &Commit{Ref: cur, Box: box}
				break
			}
			if _, ok := visited[cur.DataHash]; ok {
				at := cur
				chain.JoinsAt = &at
				break
			}
			visited[cur.DataHash] = struct{}{}

			box, err := f.ours.ReadCommit(ctx, cur)
			if err != nil {
				return nil, fmt.Errorf("failed to walk history at %s: %w", cur, err)
			}
			chain.Commits = append(chain.Commits, Commit{Ref: cur, Box: box})
			if len(box.Parents) == 0 {
				chain.NullParent = true
				break
			}
			starts = append(starts, box.Parents[1:]...)
			cur = box.Parents[0]
		}
		out.Chains = append(out.Chains, chain)
	}
	out.bases, err = f.lowest(ctx, out.Chains)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lowest drops every chain base that is an ancestor of another base.
func (f *Finder) lowest(ctx context.Context, chains []*Chain) ([]Commit, error) {
	var candidates []Commit
	seen := make(map[hash.Hash]struct{})
	for _, ch := range chains {
		if ch.Base == nil {
			continue
		}
		if _, ok := seen[ch.Base.Ref.DataHash]; ok {
			continue
		}
		seen[ch.Base.Ref.DataHash] = struct{}{}
		candidates = append(candidates, *ch.Base)
	}
	if len(candidates) < 2 {
		return candidates, nil
	}

	covered := make(map[hash.Hash]struct{})
	for _, c := range candidates {
		if _, ok := covered[c.Ref.DataHash]; ok {
			continue
		}
		below, err := walkAncestors(ctx, f.ours, c.Box.Parents...)
		if err != nil {
			return nil, err
		}
		for _, other := range candidates {
			if _, ok := below[other.Ref.DataHash]; ok {
				covered[other.Ref.DataHash] = struct{}{}
			}
		}
	}
	out := candidates[:0]
	for _, c := range candidates {
		if _, ok := covered[c.Ref.DataHash]; !ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// IsAncestor reports whether ancestor is tip or reachable from tip through
// any parent, read on the ours side.
func (f *Finder) IsAncestor(ctx context.Context, ancestor, tip types.Ref) (bool, error) {
	if ancestor.IsZero() || tip.IsZero() {
		return false, nil
	}
	found := false
	_, err := walk(ctx, f.ours, func(ref types.Ref) bool {
		if ref.Equal(ancestor) {
			found = true
			return false
		}
		return true
	}, tip)
	return found, err
}

// CollectAllChains returns the full history of tip, for a push to a branch
// without history.
func (f *Finder) CollectAllChains(ctx context.Context, tip types.Ref) (*Chains, error) {
	return f.Find(ctx, tip, types.Ref{})
}

func (f *Finder) ancestors(ctx context.Context, tip types.Ref) (map[hash.Hash]struct{}, error) {
	if tip.IsZero() {
		return make(map[hash.Hash]struct{}), nil
	}
	return walkAncestors(ctx, f.theirs, tip)
}

// walkAncestors returns the starts and everything reachable from them.
func walkAncestors(ctx context.Context, r *tree.Reader, starts ...types.Ref) (map[hash.Hash]struct{}, error) {
	return walk(ctx, r, nil, starts...)
}

// walk visits commits breadth first from starts. visit returning false
// stops the walk.
func walk(ctx context.Context, r *tree.Reader, visit func(types.Ref) bool, starts ...types.Ref) (map[hash.Hash]struct{}, error) {
	set := make(map[hash.Hash]struct{})
	queue := append([]types.Ref(nil), starts...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		if _, ok := set[cur.DataHash]; ok {
			continue
		}
		set[cur.DataHash] = struct{}{}
		if visit != nil && !visit(cur) {
			return set, nil
		}
		box, err := r.ReadCommit(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("failed to walk history at %s: %w", cur, err)
		}
		queue = append(queue, box.Parents...)
	}
	return set, nil
}
