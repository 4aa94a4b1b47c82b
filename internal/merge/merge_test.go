package merge

import (
	"context"
	"testing"

	"github.com/i5heu/ouroboros-vcs/internal/chunkstore"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type history struct {
	t    *testing.T
	r    *tree.Reader
	time int64
}

func newHistory(t *testing.T) *history {
	t.Helper()
	s, err := chunkstore.Open(chunkstore.Options{Backend: "memory"})
	require.NoError(t, err)
	tx := s.Begin()
	t.Cleanup(func() {
		tx.Cancel()
		_ = s.Close()
	})
	f, err := pipeline.NewFactory(pipeline.Options{})
	require.NoError(t, err)
	return &history{t: t, r: tree.NewReader(f.Accessor(tx), 64)}
}

// commit applies files on top of the first parent's tree. An empty content
// removes the path.
func (h *history) commit(msg string, files map[string]string, parents ...types.Ref) types.Ref {
	h.t.Helper()
	ctx := context.Background()
	var base types.Ref
	if len(parents) > 0 {
		c, err := h.r.ReadCommit(ctx, parents[0])
		require.NoError(h.t, err)
		base = c.Tree
	}
	a, err := tree.Open(ctx, h.r, base)
	require.NoError(h.t, err)
	for p, content := range files {
		if content == "" {
			require.NoError(h.t, a.Remove(ctx, p))
			continue
		}
		require.NoError(h.t, a.Put(ctx, p, []byte(content)))
	}
	root, err := a.Build(ctx, h.r.Accessor())
	require.NoError(h.t, err)
	h.time++
	ref, err := tree.WriteCommit(ctx, h.r.Accessor(), &tree.CommitBox{Tree: root, Parents: parents, Message: msg, Time: h.time})
	require.NoError(h.t, err)
	return ref
}

func (h *history) box(ref types.Ref) *tree.CommitBox {
	h.t.Helper()
	c, err := h.r.ReadCommit(context.Background(), ref)
	require.NoError(h.t, err)
	return c
}

func (h *history) merge(ours, theirs, parent types.Ref, solver ConflictSolver) *tree.Accessor {
	h.t.Helper()
	var p *tree.CommitBox
	if !parent.IsZero() {
		p = h.box(parent)
	}
	out, err := ThreeWay(context.Background(), h.r, h.box(ours), h.box(theirs), p, solver)
	require.NoError(h.t, err)
	return out
}

func (h *history) read(a *tree.Accessor, path string) string {
	h.t.Helper()
	data, err := a.Read(context.Background(), path)
	require.NoError(h.t, err)
	return string(data)
}

func messages(chain *Chain) []string {
	var out []string
	for _, c := range chain.Commits {
		out = append(out, c.Box.Message)
	}
	return out
}

func TestThreeWayNoConflicts(t *testing.T) {
	h := newHistory(t)
	p := h.commit("p", map[string]string{"file1": "one"})
	ours := h.commit("ours", map[string]string{"file2": "two"}, p)
	theirs := h.commit("theirs", map[string]string{"file3": "three"}, p)

	out := h.merge(ours, theirs, p, nil)
	entries, err := out.List(context.Background(), "")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"file1", "file2", "file3"}, names)
	assert.True(t, out.Dirty())
}

func TestThreeWayConflictPrefersOurs(t *testing.T) {
	h := newHistory(t)
	p := h.commit("p", map[string]string{"shared": "base"})
	ours := h.commit("ours", map[string]string{"shared": "ours"}, p)
	theirs := h.commit("theirs", map[string]string{"shared": "theirs"}, p)

	assert.Equal(t, "ours", h.read(h.merge(ours, theirs, p, nil), "shared"))
	assert.Equal(t, "theirs", h.read(h.merge(ours, theirs, p, TheirsSolver{}), "shared"))
}

func TestThreeWayOneSidedChangesNeedNoSolver(t *testing.T) {
	h := newHistory(t)
	p := h.commit("p", map[string]string{"a": "base-a", "b": "base-b", "gone": "x", "dir/keep": "k"})
	ours := h.commit("ours", map[string]string{"a": "ours-a"}, p)
	theirs := h.commit("theirs", map[string]string{"b": "theirs-b", "gone": "", "dir/new": "n"}, p)

	failing := SolverFunc(func(path string, _, _ tree.Entry) (tree.Entry, error) {
		t.Fatalf("solver called for %s", path)
		return tree.Entry{}, nil
	})
	out := h.merge(ours, theirs, p, failing)

	assert.Equal(t, "ours-a", h.read(out, "a"))
	assert.Equal(t, "theirs-b", h.read(out, "b"))
	assert.Equal(t, "n", h.read(out, "dir/new"))
	assert.Equal(t, "k", h.read(out, "dir/keep"))
	_, err := out.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, tree.ErrNotExist)
}

func TestThreeWayKeepsOurDeletion(t *testing.T) {
	h := newHistory(t)
	p := h.commit("p", map[string]string{"a": "a", "b": "b"})
	ours := h.commit("ours", map[string]string{"a": ""}, p)
	theirs := h.commit("theirs", map[string]string{"b": "b2"}, p)

	out := h.merge(ours, theirs, p, nil)
	_, err := out.Get(context.Background(), "a")
	assert.ErrorIs(t, err, tree.ErrNotExist)
	assert.Equal(t, "b2", h.read(out, "b"))
}

func TestThreeWayUnrelatedHistories(t *testing.T) {
	h := newHistory(t)
	ours := h.commit("ours", map[string]string{"x": "1"})
	theirs := h.commit("theirs", map[string]string{"x": "2", "y": "3"})

	out := h.merge(ours, theirs, types.Ref{}, nil)
	assert.Equal(t, "1", h.read(out, "x"))
	assert.Equal(t, "3", h.read(out, "y"))
}

func TestFinderLinear(t *testing.T) {
	h := newHistory(t)
	c1 := h.commit("c1", map[string]string{"f": "1"})
	c2 := h.commit("c2", map[string]string{"f": "2"}, c1)
	c3 := h.commit("c3", map[string]string{"f": "3"}, c2)

	chains, err := NewFinder(h.r, nil).Find(context.Background(), c3, c1)
	require.NoError(t, err)
	require.Len(t, chains.Chains, 1)
	assert.Equal(t, []string{"c3", "c2"}, messages(chains.Chains[0]))
	assert.True(t, chains.TerminatesAt(c1))
	assert.True(t, chains.MergeBase().Ref.Equal(c1))
	assert.True(t, chains.Contains(c2))
	assert.False(t, chains.InTheirs(c2))

	// ours is an ancestor of theirs: an empty chain closing on ours
	back, err := NewFinder(h.r, nil).Find(context.Background(), c1, c3)
	require.NoError(t, err)
	require.Len(t, back.Chains, 1)
	assert.Empty(t, back.Chains[0].Commits)
	assert.True(t, back.MergeBase().Ref.Equal(c1))
}

func TestFinderDiverged(t *testing.T) {
	h := newHistory(t)
	root := h.commit("root", map[string]string{"f": "0"})
	a := h.commit("a", map[string]string{"a": "1"}, root)
	b := h.commit("b", map[string]string{"b": "1"}, root)
	b2 := h.commit("b2", map[string]string{"b": "2"}, b)

	chains, err := NewFinder(h.r, nil).Find(context.Background(), a, b2)
	require.NoError(t, err)
	require.Len(t, chains.Chains, 1)
	assert.Equal(t, []string{"a"}, messages(chains.Chains[0]))
	assert.Equal(t, "root", chains.MergeBase().Box.Message)
	assert.False(t, chains.TerminatesAt(b2))
}

func TestFinderFollowsBothMergeParents(t *testing.T) {
	h := newHistory(t)
	root := h.commit("root", map[string]string{"f": "0"})
	left := h.commit("left", map[string]string{"l": "1"}, root)
	right := h.commit("right", map[string]string{"r": "1"}, root)
	right2 := h.commit("right2", map[string]string{"r": "2"}, right)
	merged := h.commit("merge", map[string]string{"r": "2"}, left, right2)

	chains, err := NewFinder(h.r, nil).Find(context.Background(), merged, root)
	require.NoError(t, err)
	require.Len(t, chains.Chains, 2)
	assert.Equal(t, []string{"merge", "left"}, messages(chains.Chains[0]))
	assert.Equal(t, []string{"right2", "right"}, messages(chains.Chains[1]))
	for _, ch := range chains.Chains {
		require.NotNil(t, ch.Base)
		assert.True(t, ch.Base.Ref.Equal(root))
	}
	assert.Equal(t, "merge", chains.Shortest().Commits[0].Box.Message)
	assert.Len(t, chains.NewCommits(), 4)

	// same DAG state, same answer
	again, err := NewFinder(h.r, nil).Find(context.Background(), merged, root)
	require.NoError(t, err)
	assert.Equal(t, chains.Chains, again.Chains)
}

func TestFinderPicksLowestCommonAncestor(t *testing.T) {
	h := newHistory(t)
	root := h.commit("root", map[string]string{"f": "0"})
	t1 := h.commit("t1", map[string]string{"t": "1"}, root)
	t2 := h.commit("t2", map[string]string{"t": "2"}, t1)

	o1 := h.commit("o1", map[string]string{"o": "1"}, root)
	s1 := h.commit("s1", map[string]string{"s": "1"}, t1)
	s2 := h.commit("s2", map[string]string{"s": "2"}, s1)
	s3 := h.commit("s3", map[string]string{"s": "3"}, s2)
	head := h.commit("head", nil, o1, s3)

	f := NewFinder(h.r, nil)
	chains, err := f.Find(context.Background(), head, t2)
	require.NoError(t, err)
	// the first-parent chain closes on root sooner, but root is below t1
	assert.Equal(t, "root", chains.Shortest().Base.Box.Message)
	require.Len(t, chains.MergeBases(), 1)
	assert.True(t, chains.MergeBase().Ref.Equal(t1))

	ok, err := f.IsAncestor(context.Background(), t1, head)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.IsAncestor(context.Background(), t2, head)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.IsAncestor(context.Background(), head, head)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFinderKeepsCrissCrossBases(t *testing.T) {
	h := newHistory(t)
	root := h.commit("root", map[string]string{"f": "0"})
	a := h.commit("a", map[string]string{"a": "1"}, root)
	b := h.commit("b", map[string]string{"b": "1"}, root)
	ab := h.commit("ab", nil, a, b)
	ba := h.commit("ba", nil, b, a)

	chains, err := NewFinder(h.r, nil).Find(context.Background(), ab, ba)
	require.NoError(t, err)
	bases := chains.MergeBases()
	require.Len(t, bases, 2)
	assert.Equal(t, "a", bases[0].Box.Message)
	assert.Equal(t, "b", bases[1].Box.Message)
}

func TestCollectAllChainsMarksRoots(t *testing.T) {
	h := newHistory(t)
	root := h.commit("root", map[string]string{"f": "0"})
	left := h.commit("left", map[string]string{"l": "1"}, root)
	right := h.commit("right", map[string]string{"r": "1"}, root)
	merged := h.commit("merge", nil, left, right)

	chains, err := NewFinder(h.r, nil).CollectAllChains(context.Background(), merged)
	require.NoError(t, err)
	require.Len(t, chains.Chains, 2)
	assert.True(t, chains.Chains[0].NullParent)
	assert.Equal(t, []string{"merge", "left", "root"}, messages(chains.Chains[0]))
	assert.Equal(t, []string{"right"}, messages(chains.Chains[1]))
	require.NotNil(t, chains.Chains[1].JoinsAt)
	assert.True(t, chains.Chains[1].JoinsAt.Equal(root))
	assert.Nil(t, chains.MergeBase())
}

func TestSolverByName(t *testing.T) {
	s, err := SolverByName("theirs")
	require.NoError(t, err)
	assert.IsType(t, TheirsSolver{}, s)
	s, err = SolverByName("")
	require.NoError(t, err)
	assert.IsType(t, OursSolver{}, s)
	_, err = SolverByName("coinflip")
	assert.Error(t, err)
}
