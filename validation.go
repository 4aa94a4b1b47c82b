package ouroborosvcs

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

// ValidationResult captures the outcome of validating a single chunk or
// branch log entry.
type ValidationResult struct {
	Key       hash.Hash
	KeyBase64 string
	What      string // "chunk" or "entry"
	Err       error
}

// Passed reports whether the validation succeeded.
func (r ValidationResult) Passed() bool {
	return r.Err == nil
}

// ValidateChunk verifies that the chunk stored under key still hashes to key.
func (r *Repository) ValidateChunk(key hash.Hash) error {
	if _, err := r.store.Get(key); err != nil {
		return fmt.Errorf("failed to validate chunk: %w", err)
	}
	return nil
}

// ValidateAll checks every stored chunk and, for every branch log entry,
// that the commit it names and its whole tree are present and readable.
func (r *Repository) ValidateAll(ctx context.Context) ([]ValidationResult, error) {
	it, err := r.store.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := it.Keys(ctx)
	it.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for validation: %w", err)
	}

	results := make([]ValidationResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, ValidationResult{
			Key:       key,
			KeyBase64: base64.StdEncoding.EncodeToString(key[:]),
			What:      "chunk",
			Err:       r.ValidateChunk(key),
		})
	}

	entries, err := r.branch.Entries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		res := ValidationResult{Key: e.ID, KeyBase64: base64.StdEncoding.EncodeToString(e.ID[:]), What: "entry"}
		ref, err := types.ParseRef(e.Message)
		if err == nil {
			err = r.reader.WalkCommit(ctx, ref, func(h hash.Hash) error {
				ok, err := r.store.Contains(h)
				if err == nil && !ok {
					err = fmt.Errorf("chunk %s is missing", h.Short())
				}
				return err
			})
		}
		if err != nil {
			res.Err = fmt.Errorf("entry rev %d: %w", e.Rev, err)
		}
		results = append(results, res)
	}
	return results, nil
}
