package pipeline

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

type EncryptedAccessor struct {
	src      Source
	alg      hash.Algorithm
	compress bool
	key      []byte
	baseIV   []byte
}

// DeriveIV is baseIV XOR the first IVSize bytes of the data hash.
func DeriveIV(baseIV []byte, dataHash hash.Hash) [types.IVSize]byte {
	var iv [types.IVSize]byte
	for i := range iv {
		iv[i] = baseIV[i] ^ dataHash[i]
	}
	return iv
}

func (a *EncryptedAccessor) xor(iv [types.IVSize]byte, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, in)
	return out, nil
}

func (a *EncryptedAccessor) GetChunk(ctx context.Context, ref types.Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	box, err := a.src.Get(ref.BoxHash)
	if err != nil {
		return nil, err
	}
	clear, err := a.xor(ref.IV, box)
	if err != nil {
		return nil, err
	}
	data, err := unframe(clear)
	if err != nil {
		return nil, err
	}
	if err := verify(a.alg, ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *EncryptedAccessor) PutChunk(ctx context.Context, data []byte) (types.Ref, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Ref{}, false, err
	}
	sink, err := sinkOf(a.src)
	if err != nil {
		return types.Ref{}, false, err
	}
	ref := types.Ref{DataHash: a.alg.Sum(data)}
	ref.IV = DeriveIV(a.baseIV, ref.DataHash)
	box, err := a.xor(ref.IV, frame(data, a.compress))
	if err != nil {
		return types.Ref{}, false, err
	}
	boxHash, isNew, err := sink.Put(box)
	if err != nil {
		return types.Ref{}, false, fmt.Errorf("failed to put sealed box: %w", err)
	}
	ref.BoxHash = boxHash
	return ref, isNew, nil
}
