package ouroborosvcs

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/stretchr/testify/require"
)

func benchRepo(b *testing.B, backend string) *Repository {
	b.Helper()
	cfg := &config.Config{
		Paths:   []string{b.TempDir()},
		Backend: backend,
		Logger:  quietLogger(),
	}
	r, err := Open(cfg)
	require.NoError(b, err)
	b.Cleanup(func() { r.Close() })
	return r
}

func BenchmarkWriteCommitRead(b *testing.B) {
	const (
		fileCount = 100
		fileSize  = 4096
	)
	ctx := context.Background()

	files := make([][]byte, fileCount)
	for i := range files {
		files[i] = make([]byte, fileSize)
		rand.Read(files[i])
	}

	for _, backend := range []string{config.BackendBadger, config.BackendLevelDB} {
		b.Run(backend+"/Commit", func(b *testing.B) {
			r := benchRepo(b, backend)
			b.ResetTimer()
			for n := 0; n < b.N; n++ {
				i := n % fileCount
				require.NoError(b, r.WriteFile(ctx, fmt.Sprintf("d%d/f%d", i%10, i), files[(i+n)%fileCount]))
				_, err := r.Commit(ctx, "bench")
				require.NoError(b, err)
			}
		})

		b.Run(backend+"/ReadFile", func(b *testing.B) {
			r := benchRepo(b, backend)
			for i, f := range files {
				require.NoError(b, r.WriteFile(ctx, fmt.Sprintf("d%d/f%d", i%10, i), f))
			}
			_, err := r.Commit(ctx, "populate")
			require.NoError(b, err)

			b.ResetTimer()
			for n := 0; n < b.N; n++ {
				i := n % fileCount
				_, err := r.ReadFile(ctx, fmt.Sprintf("d%d/f%d", i%10, i))
				require.NoError(b, err)
			}
		})
	}
}

func BenchmarkHistory(b *testing.B) {
	ctx := context.Background()
	r := benchRepo(b, config.BackendBadger)
	for i := 0; i < 200; i++ {
		require.NoError(b, r.WriteFile(ctx, "counter", []byte(fmt.Sprint(i))))
		_, err := r.Commit(ctx, fmt.Sprintf("commit %d", i))
		require.NoError(b, err)
	}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		commits, err := r.History(ctx, 0)
		require.NoError(b, err)
		require.Len(b, commits, 200)
	}
}
