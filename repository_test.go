package ouroborosvcs

import (
	"context"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-vcs/internal/signature"
	"github.com/i5heu/ouroboros-vcs/internal/tree"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRepo(t *testing.T, mutate func(*config.Config), opts ...Option) *Repository {
	t.Helper()
	cfg := &config.Config{
		Paths:  []string{t.TempDir()},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	r, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func commitFiles(t *testing.T, r *Repository, msg string, files map[string]string) types.Ref {
	t.Helper()
	ctx := context.Background()
	for p, c := range files {
		if c == "" {
			require.NoError(t, r.Remove(ctx, p))
			continue
		}
		require.NoError(t, r.WriteFile(ctx, p, []byte(c)))
	}
	c, err := r.Commit(ctx, msg)
	require.NoError(t, err)
	return c.Ref
}

// copyChunks moves every chunk of src into dst, the way a bulk clone would.
func copyChunks(t *testing.T, dst, src *Repository) {
	t.Helper()
	ctx := context.Background()
	it, err := src.Store().Iterator(ctx)
	require.NoError(t, err)
	defer it.Unlock()
	tx := dst.Store().Begin()
	require.NoError(t, it.ForEach(ctx, func(h hash.Hash, data []byte) error {
		_, err := tx.PutWithHash(h, data)
		return err
	}))
	require.NoError(t, tx.Commit(ctx))
}

func TestRepositoryCommitAndRead(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{config.BackendBadger, config.BackendLevelDB, config.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			r := newTestRepo(t, func(c *config.Config) { c.Backend = backend })

			head, err := r.Head(ctx)
			require.NoError(t, err)
			assert.Nil(t, head)

			_, err = r.Commit(ctx, "empty")
			assert.ErrorIs(t, err, ErrNothingToCommit)

			first := commitFiles(t, r, "first", map[string]string{"a.txt": "alpha", "dir/b.txt": "beta"})
			assert.False(t, r.HasUncommittedChanges())

			data, err := r.ReadFile(ctx, "dir/b.txt")
			require.NoError(t, err)
			assert.Equal(t, "beta", string(data))

			second := commitFiles(t, r, "second", map[string]string{"a.txt": "", "c.txt": "gamma"})
			hist, err := r.History(ctx, 0)
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.True(t, hist[0].Ref.Equal(second))
			assert.True(t, hist[1].Ref.Equal(first))
			assert.Equal(t, "second", hist[0].Box.Message)

			tip, err := r.TipMessage()
			require.NoError(t, err)
			assert.Equal(t, second.Encode(), tip)

			changes, err := r.Diff(ctx, first, second)
			require.NoError(t, err)
			var got []string
			for _, c := range changes {
				got = append(got, c.String())
			}
			assert.Equal(t, []string{"REMOVED a.txt", "ADDED c.txt"}, got)
		})
	}
}

func TestRepositoryReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.Config{Paths: []string{dir}, Logger: quietLogger()}

	r, err := Open(cfg)
	require.NoError(t, err)
	ref := commitFiles(t, r, "persist", map[string]string{"x": "1"})
	require.NoError(t, r.Close())

	r, err = Open(&config.Config{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	defer r.Close()
	head, ok, err := r.HeadRef()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, head.Equal(ref))
	data, err := r.ReadFile(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestRepositoryStatus(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, nil)
	commitFiles(t, r, "base", map[string]string{"keep": "k", "edit": "v1", "drop": "d"})

	require.NoError(t, r.WriteFile(ctx, "edit", []byte("v2")))
	require.NoError(t, r.Remove(ctx, "drop"))
	require.NoError(t, r.WriteFile(ctx, "new", []byte("n")))

	changes, err := r.Status(ctx)
	require.NoError(t, err)
	var got []string
	for _, c := range changes {
		got = append(got, c.String())
	}
	assert.ElementsMatch(t, []string{"REMOVED drop", "MODIFIED edit", "ADDED new"}, got)
	assert.True(t, r.HasUncommittedChanges())

	// status must not leak chunks into the store
	st, err := r.Stats(ctx)
	require.NoError(t, err)
	_, err = r.Commit(ctx, "apply")
	require.NoError(t, err)
	st2, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, st2.Chunks, st.Chunks)
}

func TestMergeFastForward(t *testing.T) {
	ctx := context.Background()
	ours := newTestRepo(t, nil)
	theirs := newTestRepo(t, nil)

	base := commitFiles(t, theirs, "base", map[string]string{"f": "1"})
	copyChunks(t, ours, theirs)
	require.NoError(t, ours.AdvanceTo(ctx, base))

	tip := commitFiles(t, theirs, "ahead", map[string]string{"f": "2", "g": "3"})
	copyChunks(t, ours, theirs)

	res, err := ours.Merge(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, MergeFastForward, res.State)
	assert.True(t, res.Head.Equal(tip))

	oursTree, err := ours.Tip(ctx)
	require.NoError(t, err)
	theirsTree, err := theirs.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, theirsTree, oursTree)

	data, err := ours.ReadFile(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))

	res, err = ours.Merge(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, MergeUpToDate, res.State)
}

func TestMergeIntoEmptyBranch(t *testing.T) {
	ctx := context.Background()
	ours := newTestRepo(t, nil)
	theirs := newTestRepo(t, nil)
	tip := commitFiles(t, theirs, "only", map[string]string{"f": "1"})
	copyChunks(t, ours, theirs)

	res, err := ours.Merge(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, MergeFastForward, res.State)
}

func TestMergeThreeWay(t *testing.T) {
	ctx := context.Background()
	ours := newTestRepo(t, nil)
	theirs := newTestRepo(t, nil)

	base := commitFiles(t, ours, "base", map[string]string{"file1": "p", "shared": "p"})
	copyChunks(t, theirs, ours)
	require.NoError(t, theirs.AdvanceTo(ctx, base))

	commitFiles(t, ours, "ours", map[string]string{"file2": "o", "shared": "ours"})
	theirsTip := commitFiles(t, theirs, "theirs", map[string]string{"file3": "t", "shared": "theirs"})
	copyChunks(t, ours, theirs)

	res, err := ours.Merge(ctx, theirsTip)
	require.NoError(t, err)
	assert.Equal(t, MergeMerged, res.State)

	head, err := ours.Head(ctx)
	require.NoError(t, err)
	require.Len(t, head.Box.Parents, 2)
	assert.True(t, head.Box.Parents[1].Equal(theirsTip))

	entries, err := ours.List(ctx, "")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"file1", "file2", "file3", "shared"}, names)

	data, err := ours.ReadFile(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "ours", string(data))

	// theirs is now part of our history
	res, err = ours.Merge(ctx, theirsTip)
	require.NoError(t, err)
	assert.Equal(t, MergeUpToDate, res.State)
}

func TestMergeTheirsStrategy(t *testing.T) {
	ctx := context.Background()
	ours := newTestRepo(t, func(c *config.Config) { c.MergeStrategy = "theirs" })
	theirs := newTestRepo(t, nil)

	base := commitFiles(t, ours, "base", map[string]string{"f": "p"})
	copyChunks(t, theirs, ours)
	require.NoError(t, theirs.AdvanceTo(ctx, base))
	commitFiles(t, ours, "ours", map[string]string{"f": "ours"})
	tip := commitFiles(t, theirs, "theirs", map[string]string{"f": "theirs"})
	copyChunks(t, ours, theirs)

	res, err := ours.Merge(ctx, tip)
	require.NoError(t, err)
	require.Equal(t, MergeMerged, res.State)
	data, err := ours.ReadFile(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(data))
}

// TestMergeAncestorThroughSecondParent merges a commit that head only
// reaches through the second parent of an earlier merge.
func TestMergeAncestorThroughSecondParent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, nil)

	p := commitFiles(t, r, "P", map[string]string{"keep": "k"})
	tWithF := commitFiles(t, r, "T", map[string]string{"f": "f"})
	commitFiles(t, r, "Y0", map[string]string{"f": ""})
	commitFiles(t, r, "Y1", map[string]string{"y1": "1"})
	y2 := commitFiles(t, r, "Y2", map[string]string{"y2": "2"})

	require.NoError(t, r.AdvanceTo(ctx, p))
	commitFiles(t, r, "X", map[string]string{"x": "x"})

	res, err := r.Merge(ctx, y2)
	require.NoError(t, err)
	require.Equal(t, MergeMerged, res.State)
	_, err = r.ReadFile(ctx, "f")
	require.ErrorIs(t, err, tree.ErrNotExist)

	res2, err := r.Merge(ctx, tWithF)
	require.NoError(t, err)
	assert.Equal(t, MergeUpToDate, res2.State)
	assert.True(t, res2.Head.Equal(res.Head))
	_, err = r.ReadFile(ctx, "f")
	assert.ErrorIs(t, err, tree.ErrNotExist)

	commits, err := r.History(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Merge", commits[0].Box.Message[:5])
}

func TestMergeRefusesDirtyWorkingTree(t *testing.T) {
	ctx := context.Background()
	ours := newTestRepo(t, nil)
	theirs := newTestRepo(t, nil)
	tip := commitFiles(t, theirs, "t", map[string]string{"f": "1"})
	copyChunks(t, ours, theirs)

	commitFiles(t, ours, "o", map[string]string{"g": "1"})
	require.NoError(t, ours.WriteFile(ctx, "g", []byte("dirty")))
	res, err := ours.Merge(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, MergeUncommittedChanges, res.State)

	hist, err := ours.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestEncryptedRepository(t *testing.T) {
	ctx := context.Background()
	key := hex.EncodeToString(make([]byte, 48))
	r := newTestRepo(t, func(c *config.Config) {
		c.EncryptionKey = key
		c.Compression = true
	})
	commitFiles(t, r, "secret", map[string]string{"plan.txt": "attack at dawn"})

	// no stored box contains the plaintext
	it, err := r.Store().Iterator(ctx)
	require.NoError(t, err)
	require.NoError(t, it.ForEach(ctx, func(_ hash.Hash, data []byte) error {
		assert.NotContains(t, string(data), "attack at dawn")
		return nil
	}))
	it.Unlock()

	data, err := r.ReadFile(ctx, "plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", string(data))

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Encrypted)
}

func TestSignedCommits(t *testing.T) {
	ctx := context.Background()
	signer := signature.NewEd25519(make([]byte, 32))
	ours := newTestRepo(t, nil, WithSigner(signer))
	stranger := newTestRepo(t, nil)
	signedPeer := newTestRepo(t, nil, WithSigner(signer))

	unsigned := commitFiles(t, stranger, "unsigned", map[string]string{"f": "1"})
	copyChunks(t, ours, stranger)
	_, err := ours.Merge(ctx, unsigned)
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	signed := commitFiles(t, signedPeer, "signed", map[string]string{"f": "2"})
	copyChunks(t, ours, signedPeer)
	res, err := ours.Merge(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, MergeFastForward, res.State)
}

func TestValidateAll(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, nil)
	commitFiles(t, r, "v", map[string]string{"a": "1", "d/b": "2"})

	results, err := r.ValidateAll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	entries := 0
	for _, res := range results {
		assert.True(t, res.Passed(), "%s %s: %v", res.What, res.Key.Short(), res.Err)
		if res.What == "entry" {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestPruneKeepsReachableChunks(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, nil)
	commitFiles(t, r, "one", map[string]string{"a": "first content"})
	commitFiles(t, r, "two", map[string]string{"a": "second content"})

	// an orphan, as left behind by a rejected push
	tx := r.Store().Begin()
	orphan, _, err := tx.Put([]byte("orphan"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	removed, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := r.Store().Contains(orphan)
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := r.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// older revisions stay readable
	e, ok, err := r.Reader().Lookup(ctx, hist[1].Box.Tree, "a")
	require.NoError(t, err)
	require.True(t, ok)
	data, err := r.Reader().ReadFile(ctx, e.Ref)
	require.NoError(t, err)
	assert.Equal(t, "first content", string(data))

	results, err := r.ValidateAll(ctx)
	require.NoError(t, err)
	for _, res := range results {
		assert.True(t, res.Passed())
	}
}

func TestStatsAndFormat(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, func(c *config.Config) { c.Branch = "feature-x" })
	commitFiles(t, r, "s", map[string]string{"a": "1"})

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", st.Branch)
	assert.Equal(t, 1, st.LogEntries)
	assert.NotEmpty(t, st.Head)
	assert.Greater(t, st.Chunks, 0)
	assert.Contains(t, FormatStats(st), "feature-x")

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}

func TestListReportsKinds(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, nil)
	require.NoError(t, r.WriteFile(ctx, "dir/inner", []byte("x")))
	require.NoError(t, r.WriteFile(ctx, "top", []byte("y")))

	entries, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tree.Dir, entries[0].Kind)
	assert.Equal(t, tree.File, entries[1].Kind)

	_, err = r.ReadFile(ctx, "missing")
	assert.ErrorIs(t, err, tree.ErrNotExist)
}

func TestTransactionCounterLogsOperations(t *testing.T) {
	logger := quietLogger()
	logger.SetLevel(logrus.DebugLevel)
	hook := logtest.NewLocal(logger)
	r := newTestRepo(t, func(c *config.Config) { c.Logger = logger })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartTransactionCounter(ctx, 10*time.Millisecond)
	commitFiles(t, r, "counted", map[string]string{"a": "1"})

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message != "Chunk operations" {
				continue
			}
			if writes, ok := e.Data["write_ops"].(uint64); ok && writes > 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
