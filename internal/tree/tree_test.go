package tree

import (
	"context"
	"testing"

	"github.com/i5heu/ouroboros-vcs/internal/chunkstore"
	"github.com/i5heu/ouroboros-vcs/internal/pipeline"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupReader(t *testing.T) *Reader {
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
	return NewReader(f.Accessor(tx), 64)
}

func buildTree(t *testing.T, r *Reader, base types.Ref, files map[string]string) types.Ref {
	t.Helper()
	ctx := context.Background()
	a, err := Open(ctx, r, base)
	require.NoError(t, err)
	for p, content := range files {
		require.NoError(t, a.Put(ctx, p, []byte(content)))
	}
	ref, err := a.Build(ctx, r.Accessor())
	require.NoError(t, err)
	return ref
}

func changesOf(t *testing.T, r *Reader, ours, theirs types.Ref) []string {
	t.Helper()
	changes, err := NewTreeIterator(r, ours, theirs).Collect(context.Background())
	require.NoError(t, err)
	var out []string
	for _, c := range changes {
		out = append(out, c.String())
	}
	return out
}

func TestDirBoxDiffAddRemove(t *testing.T) {
	r := setupReader(t)
	ctx := context.Background()
	ours := buildTree(t, r, types.Ref{}, map[string]string{"a": "A", "b": "B", "c": "C"})
	theirs := buildTree(t, r, types.Ref{}, map[string]string{"b": "B", "c": "C", "d": "D"})

	oursBox, err := r.ReadDir(ctx, ours)
	require.NoError(t, err)
	theirsBox, err := r.ReadDir(ctx, theirs)
	require.NoError(t, err)

	it := NewDirBoxDiffIterator("", oursBox, theirsBox)
	var got []Change
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, Removed, got[0].Type)
	assert.Equal(t, "a", got[0].Path)
	assert.Nil(t, got[0].Theirs)
	assert.Equal(t, Added, got[1].Type)
	assert.Equal(t, "d", got[1].Path)
	assert.Nil(t, got[1].Ours)
}

func TestDirBoxDiffModified(t *testing.T) {
	r := setupReader(t)
	ours := buildTree(t, r, types.Ref{}, map[string]string{"a": "A", "b": "B", "c": "C"})
	theirs := buildTree(t, r, types.Ref{}, map[string]string{"b": "B changed", "c": "C", "d": "D"})

	assert.Equal(t, []string{"REMOVED a", "MODIFIED b", "ADDED d"}, changesOf(t, r, ours, theirs))
}

func TestDiffKindChangeIsModified(t *testing.T) {
	r := setupReader(t)
	ours := buildTree(t, r, types.Ref{}, map[string]string{"x": "file"})
	theirs := buildTree(t, r, types.Ref{}, map[string]string{"x/inner": "now a dir"})

	changes, err := NewTreeIterator(r, ours, theirs).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Modified, changes[0].Type)
	assert.True(t, changes[0].Ours.IsFile())
	assert.True(t, changes[0].Theirs.IsDir())
	assert.False(t, changes[0].BothDirs())
}

func TestTreeIteratorRecursesBreadthFirst(t *testing.T) {
	r := setupReader(t)
	base := map[string]string{
		"top.txt":         "1",
		"docs/readme":     "2",
		"docs/deep/notes": "3",
		"src/main.go":     "4",
	}
	ours := buildTree(t, r, types.Ref{}, base)
	theirs := buildTree(t, r, ours, map[string]string{
		"top.txt":         "1 changed",
		"docs/deep/notes": "3 changed",
		"src/util.go":     "5",
	})

	assert.Equal(t, []string{
		"MODIFIED docs",
		"MODIFIED src",
		"MODIFIED top.txt",
		"MODIFIED docs/deep",
		"ADDED src/util.go",
		"MODIFIED docs/deep/notes",
	}, changesOf(t, r, ours, theirs))

	assert.Empty(t, changesOf(t, r, ours, ours))
}

func TestAccessorOperations(t *testing.T) {
	r := setupReader(t)
	ctx := context.Background()
	a, err := Open(ctx, r, types.Ref{})
	require.NoError(t, err)
	assert.False(t, a.Dirty())

	require.NoError(t, a.Put(ctx, "dir/sub/file.txt", []byte("hello")))
	assert.True(t, a.Dirty())

	data, err := a.Read(ctx, "dir/sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = a.Read(ctx, "dir")
	assert.ErrorIs(t, err, ErrIsDir)
	err = a.Put(ctx, "dir/sub/file.txt/child", []byte("x"))
	assert.ErrorIs(t, err, ErrNotDir)
	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = a.Get(ctx, "../escape")
	assert.ErrorIs(t, err, ErrInvalidPath)

	root, err := a.Build(ctx, r.Accessor())
	require.NoError(t, err)
	assert.False(t, a.Dirty())

	reopened, err := Open(ctx, r, root)
	require.NoError(t, err)
	data, err = reopened.Read(ctx, "dir/sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	e, err := reopened.Get(ctx, "dir/sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Size)

	entries, err := reopened.List(ctx, "dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub", entries[0].Name)

	require.NoError(t, reopened.Remove(ctx, "dir/sub/file.txt"))
	assert.ErrorIs(t, reopened.Remove(ctx, "dir/sub/file.txt"), ErrNotExist)
	emptied, err := reopened.Build(ctx, r.Accessor())
	require.NoError(t, err)
	assert.NotEqual(t, root, emptied)

	// building the same content again gives the same root
	again := buildTree(t, r, types.Ref{}, map[string]string{"dir/sub/file.txt": "hello"})
	assert.True(t, again.Equal(root))
}

func TestPutEntryMovesSubtree(t *testing.T) {
	r := setupReader(t)
	ctx := context.Background()
	src := buildTree(t, r, types.Ref{}, map[string]string{"lib/a": "A", "lib/b": "B"})

	lib, found, err := r.Lookup(ctx, src, "lib")
	require.NoError(t, err)
	require.True(t, found)

	a, err := Open(ctx, r, types.Ref{})
	require.NoError(t, err)
	require.NoError(t, a.PutEntry(ctx, "vendor/lib", lib))
	root, err := a.Build(ctx, r.Accessor())
	require.NoError(t, err)

	got, found, err := r.Lookup(ctx, root, "vendor/lib/b")
	require.NoError(t, err)
	require.True(t, found)
	data, err := r.ReadFile(ctx, got.Ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), data)
}

func TestCommitPlainHashIgnoresSignature(t *testing.T) {
	r := setupReader(t)
	ctx := context.Background()
	root := buildTree(t, r, types.Ref{}, map[string]string{"f": "x"})

	c := &CommitBox{Tree: root, Message: "first", Time: 42}
	signed := *c
	signed.Signature = []byte("sig")
	assert.Equal(t, c.PlainHash(hash.BLAKE3), signed.PlainHash(hash.BLAKE3))

	other := *c
	other.Message = "second"
	assert.NotEqual(t, c.PlainHash(hash.BLAKE3), other.PlainHash(hash.BLAKE3))

	ref, err := WriteCommit(ctx, r.Accessor(), &signed)
	require.NoError(t, err)
	loaded, err := r.ReadCommit(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, &signed, loaded)

	child := &CommitBox{Tree: root, Parents: []types.Ref{ref}, Message: "child", Time: 43}
	childRef, err := WriteCommit(ctx, r.Accessor(), child)
	require.NoError(t, err)
	loaded, err = r.ReadCommit(ctx, childRef)
	require.NoError(t, err)
	assert.Equal(t, []hash.Hash{ref.DataHash}, loaded.ParentHashes())
}

func TestWalkChunksCoversSubtree(t *testing.T) {
	r := setupReader(t)
	ctx := context.Background()
	root := buildTree(t, r, types.Ref{}, map[string]string{"a": "A", "d/b": "B"})

	seen := map[hash.Hash]bool{}
	require.NoError(t, r.WalkChunks(ctx, Entry{Kind: Dir, Ref: root}, func(h hash.Hash) error {
		seen[h] = true
		return nil
	}))
	// each container is one node plus one data chunk: root, a, d, d/b
	assert.Len(t, seen, 8)
	assert.True(t, seen[root.BoxHash])
}

func TestDecodeDirBoxRejectsDuplicates(t *testing.T) {
	d := &DirBox{Entries: []Entry{{Name: "x", Kind: File}, {Name: "x", Kind: File}}}
	_, err := DecodeDirBox(d.Encode())
	assert.ErrorIs(t, err, ErrMalformedBox)
}
