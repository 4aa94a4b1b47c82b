package ouroborosvcs

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLargeFileRoundTrip writes files that need several levels of index
// nodes and reads them back after a reopen.
func TestLargeFileRoundTrip(t *testing.T) {
	sizes := []struct {
		name  string
		size  int
		short bool
	}{
		{"1MB", 1 << 20, true},
		{"10MB", 10 << 20, true},
		{"64MB", 64 << 20, false},
	}

	for _, tc := range sizes {
		t.Run(tc.name, func(t *testing.T) {
			if testing.Short() && !tc.short {
				t.Skip("skipping large file in short mode")
			}
			ctx := context.Background()
			dir := t.TempDir()
			cfg := func() *config.Config {
				return &config.Config{
					Paths:         []string{dir},
					Logger:        quietLogger(),
					Compression:   true,
					EncryptionKey: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f",
				}
			}

			original := make([]byte, tc.size)
			_, err := rand.Read(original)
			require.NoError(t, err)

			r, err := Open(cfg())
			require.NoError(t, err)
			require.NoError(t, r.WriteFile(ctx, "blobs/large.bin", original))
			head, err := r.Commit(ctx, "large "+tc.name)
			require.NoError(t, err)
			require.NoError(t, r.Close())

			r, err = Open(cfg())
			require.NoError(t, err)
			defer r.Close()

			got, err := r.ReadFile(ctx, "blobs/large.bin")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(original, got), "content differs after reopen")

			entries, err := r.List(ctx, "blobs")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.EqualValues(t, tc.size, entries[0].Size)

			results, err := r.ValidateAll(ctx)
			require.NoError(t, err)
			for _, res := range results {
				assert.True(t, res.Passed(), "%s %s: %v", res.What, res.KeyBase64, res.Err)
			}

			tip, ok, err := r.HeadRef()
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, head.Ref.Equal(tip))
		})
	}
}
