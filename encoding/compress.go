package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the value size above which envelopes are compressed.
// Change events with many changed fields easily exceed it.
const CompressThreshold = 4 << 10

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func initZstd() {
	zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if zstdInitErr != nil {
		return
	}
	zstdDecoder, zstdInitErr = zstd.NewReader(nil)
}

// Compress compresses src with zstd. EncodeAll is safe for concurrent use,
// so a single shared encoder serves every caller.
func Compress(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdInitErr != nil {
		return nil, fmt.Errorf("zstd unavailable: %w", zstdInitErr)
	}
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

// Decompress reverses Compress.
func Decompress(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdInitErr != nil {
		return nil, fmt.Errorf("zstd unavailable: %w", zstdInitErr)
	}
	out, err := zstdDecoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
