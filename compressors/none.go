package compressors

import "github.com/INLOpen/emberstore/core"

// NoCompressionCompressor stores payloads verbatim.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

func (c *NoCompressionCompressor) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (c *NoCompressionCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return checkRawLen(out, rawLen, "none")
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
