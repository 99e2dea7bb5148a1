package core

import (
	"encoding/binary"
	"strconv"
)

// Address identifies a record in a page store. The zero value is reserved and
// never handed out by a store, so it doubles as "not yet persisted".
type Address uint64

// NullAddress is the address of a page that has never been written.
const NullAddress Address = 0

// IsNull reports whether a is the reserved null address.
func (a Address) IsNull() bool { return a == NullAddress }

func (a Address) String() string {
	if a == NullAddress {
		return "<null>"
	}
	return "@" + strconv.FormatUint(uint64(a), 10)
}

// AppendAddress appends the fixed-width big-endian encoding of a to dst.
func AppendAddress(dst []byte, a Address) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(a))
}

// DecodeAddress decodes an address written by AppendAddress.
func DecodeAddress(b []byte) Address {
	return Address(binary.BigEndian.Uint64(b))
}

// AddressSize is the encoded width of an Address.
const AddressSize = 8
