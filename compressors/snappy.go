package compressors

import (
	"fmt"

	"github.com/INLOpen/emberstore/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements core.Compressor using the snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (c *SnappyCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("snappy decoded length: %w", err)
	}
	if n != rawLen {
		return nil, fmt.Errorf("snappy decompress: header says %d bytes, want %d", n, rawLen)
	}
	out, err := snappy.Decode(make([]byte, n), src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return checkRawLen(out, rawLen, "snappy")
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
