package pipeline

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

type PlainAccessor struct {
	src      Source
	alg      hash.Algorithm
	compress bool
}

func (a *PlainAccessor) GetChunk(ctx context.Context, ref types.Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	box, err := a.src.Get(ref.BoxHash)
	if err != nil {
		return nil, err
	}
	data, err := unframe(box)
	if err != nil {
		return nil, err
	}
	if err := verify(a.alg, ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *PlainAccessor) PutChunk(ctx context.Context, data []byte) (types.Ref, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Ref{}, false, err
	}
	sink, err := sinkOf(a.src)
	if err != nil {
		return types.Ref{}, false, err
	}
	ref := types.Ref{DataHash: a.alg.Sum(data)}
	boxHash, isNew, err := sink.Put(frame(data, a.compress))
	if err != nil {
		return types.Ref{}, false, fmt.Errorf("failed to put box: %w", err)
	}
	ref.BoxHash = boxHash
	return ref, isNew, nil
}
