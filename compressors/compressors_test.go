package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/emberstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("hello world, this is a page payload for the store")},
		{name: "repetitive data", data: bytes.Repeat([]byte("a"), 4096)},
		{name: "empty data", data: []byte{}},
		{name: "random data (less compressible)", data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())

		for _, tc := range testCases {
			t.Run(ct.String()+"/"+tc.name, func(t *testing.T) {
				compressed, err := c.Compress(tc.data)
				require.NoError(t, err)

				out, err := c.Decompress(compressed, len(tc.data))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tc.data, out), "round trip mismatch")
			})
		}
	}
}

func TestLZ4_IncompressibleReturnsInput(t *testing.T) {
	c := NewLz4Compressor()
	src := []byte("xq")
	out, err := c.Compress(src)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestForName(t *testing.T) {
	c, err := ForName("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, core.CompressionZSTD, c.Type())

	_, err = ForName("brotli")
	assert.Error(t, err)
}

func BenchmarkCompress(b *testing.B) {
	data := bytes.Repeat([]byte(`{"key":"0000000042","value":"page-payload"}`), 64)
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(ct.String(), func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := c.Compress(data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
