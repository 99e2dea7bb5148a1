package compressors

import (
	"fmt"

	"github.com/INLOpen/emberstore/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements core.Compressor with a shared encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (c *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2+16)), nil
}

func (c *ZstdCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return checkRawLen(out, rawLen, "zstd")
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
