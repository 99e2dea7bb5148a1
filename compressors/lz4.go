package compressors

import (
	"fmt"

	"github.com/INLOpen/emberstore/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements core.Compressor using LZ4 blocks. The block format
// does not carry the uncompressed size, which is why Decompress takes rawLen.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// Compress returns src unchanged when LZ4 cannot shrink it; callers detect
// that case by comparing lengths.
func (c *LZ4Compressor) Compress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var table [1 << 16]int
	n, err := lz4.CompressBlock(src, dst, table[:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(src) {
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	if rawLen == 0 {
		return []byte{}, nil
	}
	// Compress only keeps blocks strictly smaller than the input, so an
	// equal length means the payload was stored verbatim.
	if len(src) == rawLen {
		out := make([]byte, rawLen)
		copy(out, src)
		return out, nil
	}
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return checkRawLen(dst[:n], rawLen, "lz4")
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
