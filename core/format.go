package core

import (
	"encoding/binary"
	"time"
)

// Magic numbers for the persistent formats written by this module.
const (
	// FileStoreMagic identifies an append-only page store file.
	FileStoreMagic uint32 = 0x454D4252 // "EMBR"
	// CheckpointMagic identifies a tree checkpoint record.
	CheckpointMagic uint32 = 0x54504B43
)

// FormatVersion is the current on-disk format version.
const FormatVersion uint8 = 1

// FileHeader is the fixed header at the start of every store file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// Size returns the encoded size of the header.
func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
