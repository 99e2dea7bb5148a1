// Package compressors implements the record codecs a FileStore can apply to
// page payloads.
package compressors

import (
	"fmt"

	"github.com/INLOpen/emberstore/core"
)

// ForType returns the compressor registered for t.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression type %d", t)
	}
}

// ForName resolves a configuration name ("none", "snappy", "lz4", "zstd").
func ForName(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(t)
}

func checkRawLen(out []byte, rawLen int, codec string) ([]byte, error) {
	if len(out) != rawLen {
		return nil, fmt.Errorf("%s decompress: got %d bytes, want %d", codec, len(out), rawLen)
	}
	return out, nil
}
