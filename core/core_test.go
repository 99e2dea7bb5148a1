package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Encoding(t *testing.T) {
	addrs := []Address{NullAddress, 1, 0x0102030405060708, ^Address(0)}
	var buf []byte
	for _, a := range addrs {
		buf = AppendAddress(buf, a)
	}
	require.Len(t, buf, len(addrs)*AddressSize)
	for i, want := range addrs {
		assert.Equal(t, want, DecodeAddress(buf[i*AddressSize:]))
	}
	assert.True(t, NullAddress.IsNull())
	assert.False(t, Address(7).IsNull())
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("open: %w", NewValidationError("limit", -1, "must not be negative"))
	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(errors.New("plain")))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "limit", verr.Field)
	assert.Equal(t, "-1", verr.Value)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestInvariantError(t *testing.T) {
	err := fmt.Errorf("evict: %w", &InvariantError{Op: "AddRef", Object: "page@42", Detail: "reference count went negative"})
	assert.True(t, IsInvariantError(err))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "page@42")
}

func TestParseCompressionType(t *testing.T) {
	testCases := []struct {
		in   string
		want CompressionType
		err  bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"snappy", CompressionSnappy, false},
		{"LZ4", CompressionLZ4, false},
		{"zstd", CompressionZSTD, false},
		{"brotli", CompressionNone, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCompressionType(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			if tc.in != "" {
				assert.Equal(t, got, mustParse(t, got.String()))
			}
		})
	}
}

func mustParse(t *testing.T, name string) CompressionType {
	t.Helper()
	ct, err := ParseCompressionType(name)
	require.NoError(t, err)
	return ct
}
