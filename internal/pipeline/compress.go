package pipeline

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Box frame formats, first byte of the clear box.
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func compressWithZstd(data []byte) []byte {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder.EncodeAll(data, nil)
}

func decompressWithZstd(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder.DecodeAll(data, nil)
}

// frame prefixes data with its format byte, compressing it when that saves space.
func frame(data []byte, compress bool) []byte {
	if compress && len(data) > 64 {
		packed := compressWithZstd(data)
		if len(packed) < len(data) {
			return append([]byte{frameZstd}, packed...)
		}
	}
	return append([]byte{frameRaw}, data...)
}

func unframe(box []byte) ([]byte, error) {
	if len(box) == 0 {
		return nil, fmt.Errorf("%w: empty box", ErrCorrupt)
	}
	switch box[0] {
	case frameRaw:
		return box[1:], nil
	case frameZstd:
		data, err := decompressWithZstd(box[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decompress: %v", ErrCorrupt, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame format %d", ErrCorrupt, box[0])
	}
}
