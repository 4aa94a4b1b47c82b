package ouroborosvcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// Stats summarizes a repository.
type Stats struct {
	Branch        string
	Chunks        int    // Number of stored chunks
	StorageSize   uint64 // Sum of all stored box sizes
	LogEntries    int    // Number of branch log entries
	Head          string // Encoded head ref, empty without history
	Encrypted     bool
	HashAlgorithm string
	ReadOps       uint64 // Chunk reads since the last counter reset
	WriteOps      uint64 // Chunk writes since the last counter reset
}

// Stats walks the chunk store under the iteration lock.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Branch:        r.config.Branch,
		Encrypted:     r.factory.Encrypted(),
		HashAlgorithm: r.factory.Algorithm().Name(),
	}

	it, err := r.store.Iterator(ctx)
	if err != nil {
		return st, err
	}
	err = it.ForEach(ctx, func(_ hash.Hash, data []byte) error {
		st.Chunks++
		st.StorageSize += uint64(len(data))
		return nil
	})
	it.Unlock()
	if err != nil {
		return st, fmt.Errorf("failed to scan chunks: %w", err)
	}

	entries, err := r.branch.Entries()
	if err != nil {
		return st, err
	}
	st.LogEntries = len(entries)
	if len(entries) > 0 {
		st.Head = entries[len(entries)-1].Message
	}
	st.ReadOps, st.WriteOps = r.store.Counters()
	return st, nil
}

// FormatStats renders stats for terminal output.
func FormatStats(st Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Branch:      %s\n", st.Branch)
	fmt.Fprintf(&b, "Head:        %s\n", orNone(st.Head))
	fmt.Fprintf(&b, "Log entries: %d\n", st.LogEntries)
	fmt.Fprintf(&b, "Chunks:      %d (%s)\n", st.Chunks, formatBytes(st.StorageSize))
	fmt.Fprintf(&b, "Hash:        %s\n", st.HashAlgorithm)
	fmt.Fprintf(&b, "Encrypted:   %t\n", st.Encrypted)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// formatBytes formats byte count as human readable string
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
