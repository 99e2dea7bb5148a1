package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/emberstore/compressors"
	"github.com/INLOpen/emberstore/core"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dgraph-io/ristretto/v2"
)

// Record kinds. The high bit marks a compressed payload.
const (
	recordData      byte = 1
	recordTombstone byte = 2
	flagCompressed  byte = 0x80
)

// recordHeaderSize is kind (1) + rawLen (4) + storedLen (4).
const recordHeaderSize = 9

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Path           string
	Compression    core.CompressionType
	ReadCacheBytes int64 // 0 disables the read cache
	SyncWrites     bool
	LockTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        Metrics
}

type recordMeta struct {
	storedLen uint32
	rawLen    uint32
	kind      byte
}

// FileStore is a durable, append-only PageStore. Records are addressed by
// their byte offset in a single file; deletes append tombstones. The offset
// index and the deleted set are rebuilt by replaying the file on Open.
//
// Format: header | record* where
// record = kind (1) | rawLen (4) | storedLen (4) | payload | crc32 (4).
type FileStore struct {
	mu         sync.RWMutex
	path       string
	file       *os.File
	size       int64
	index      map[core.Address]recordMeta
	deleted    *roaring64.Bitmap
	compressor core.Compressor
	cache      *ristretto.Cache[uint64, []byte]
	opts       FileStoreOptions
	logger     *slog.Logger
	unlock     func() error
	closed     bool
	counters
}

var _ PageStore = (*FileStore)(nil)

// OpenFileStore opens or creates the store file at opts.Path and replays it.
func OpenFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "FileStore_default")
	} else {
		opts.Logger = opts.Logger.With("component", "FileStore")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Path == "" {
		return nil, core.NewValidationError("path", opts.Path, "file store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory for %s: %w", opts.Path, err)
	}

	unlock, err := acquireFileLock(opts.Path+".lock", opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock store %s: %w", opts.Path, err)
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to open store file %s: %w", opts.Path, err)
	}

	s := &FileStore{
		path:    opts.Path,
		file:    file,
		index:   make(map[core.Address]recordMeta),
		deleted: roaring64.New(),
		opts:    opts,
		logger:  opts.Logger,
		unlock:  unlock,
	}
	s.counters.metrics = opts.Metrics

	if err := s.load(); err != nil {
		file.Close()
		unlock()
		return nil, err
	}

	if opts.ReadCacheBytes > 0 {
		numCounters := opts.ReadCacheBytes / 512 * 10
		if numCounters < 1000 {
			numCounters = 1000
		}
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: numCounters,
			MaxCost:     opts.ReadCacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			file.Close()
			unlock()
			return nil, fmt.Errorf("failed to create read cache: %w", err)
		}
		s.cache = cache
	}

	s.logger.Info("Page store opened", "path", s.path, "records", len(s.index), "deleted", s.deleted.GetCardinality(), "size", s.size, "compression", s.compressor.Type().String())
	return s, nil
}

// load writes a fresh header or validates an existing one and replays records.
func (s *FileStore) load() error {
	stat, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat store file %s: %w", s.path, err)
	}

	if stat.Size() == 0 {
		header := core.NewFileHeader(core.FileStoreMagic, s.opts.Compression)
		if err := binary.Write(s.file, binary.LittleEndian, &header); err != nil {
			return fmt.Errorf("failed to write store header to %s: %w", s.path, err)
		}
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync store header: %w", err)
		}
		s.size = int64(header.Size())
		s.compressor, err = compressors.ForType(header.CompressorType)
		return err
	}

	var header core.FileHeader
	if err := binary.Read(io.NewSectionReader(s.file, 0, stat.Size()), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to read store header from %s: %w", s.path, err)
	}
	if header.Magic != core.FileStoreMagic {
		return fmt.Errorf("invalid magic number in store %s: got %x, want %x", s.path, header.Magic, core.FileStoreMagic)
	}
	if header.Version != core.FormatVersion {
		return fmt.Errorf("unsupported store version %d in %s", header.Version, s.path)
	}
	if header.CompressorType != s.opts.Compression {
		s.logger.Warn("Configured compression differs from store header, using header", "configured", s.opts.Compression.String(), "header", header.CompressorType.String())
	}
	if s.compressor, err = compressors.ForType(header.CompressorType); err != nil {
		return err
	}

	return s.replay(int64(header.Size()), stat.Size())
}

// replay scans records from offset start. A torn or corrupt tail is truncated.
func (s *FileStore) replay(start, end int64) error {
	r := bufio.NewReader(io.NewSectionReader(s.file, start, end-start))
	offset := start
	hdr := make([]byte, recordHeaderSize)

	for offset < end {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return s.truncateTail(offset, end, err)
		}
		kind := hdr[0]
		rawLen := binary.LittleEndian.Uint32(hdr[1:5])
		storedLen := binary.LittleEndian.Uint32(hdr[5:9])
		if int64(storedLen) > end-offset {
			return s.truncateTail(offset, end, io.ErrUnexpectedEOF)
		}
		body := make([]byte, int(storedLen)+core.ChecksumSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return s.truncateTail(offset, end, err)
		}
		payload := body[:storedLen]
		crc := crc32.NewIEEE()
		crc.Write(hdr)
		crc.Write(payload)
		if crc.Sum32() != binary.LittleEndian.Uint32(body[storedLen:]) {
			return s.truncateTail(offset, end, errors.New("checksum mismatch"))
		}

		switch kind &^ flagCompressed {
		case recordData:
			s.index[core.Address(offset)] = recordMeta{storedLen: storedLen, rawLen: rawLen, kind: kind}
			s.live.Add(1)
		case recordTombstone:
			if len(payload) != core.AddressSize {
				return fmt.Errorf("malformed tombstone at offset %d in %s", offset, s.path)
			}
			target := core.DecodeAddress(payload)
			if _, ok := s.index[target]; ok && !s.deleted.Contains(uint64(target)) {
				s.deleted.Add(uint64(target))
				s.live.Add(-1)
			}
		default:
			return s.truncateTail(offset, end, fmt.Errorf("unknown record kind %#x", kind))
		}
		offset += int64(recordHeaderSize) + int64(storedLen) + core.ChecksumSize
	}
	s.size = offset
	return nil
}

func (s *FileStore) truncateTail(offset, end int64, cause error) error {
	s.logger.Warn("Truncating torn store tail", "path", s.path, "offset", offset, "discarded_bytes", end-offset, "cause", cause)
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate store %s at %d: %w", s.path, offset, err)
	}
	s.size = offset
	return nil
}

// appendRecord must be called with s.mu held for writing.
func (s *FileStore) appendRecord(kind byte, rawLen int, payload []byte) (core.Address, error) {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(payload)+core.ChecksumSize)
	buf[0] = kind
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rawLen))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	offset := s.size
	if _, err := s.file.WriteAt(buf, offset); err != nil {
		return core.NullAddress, fmt.Errorf("failed to append record at %d: %w", offset, err)
	}
	if s.opts.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return core.NullAddress, fmt.Errorf("failed to sync store: %w", err)
		}
	}
	s.size += int64(len(buf))
	return core.Address(offset), nil
}

func (s *FileStore) Write(data []byte) (core.Address, error) {
	kind := recordData
	payload := data
	if s.compressor.Type() != core.CompressionNone && len(data) > 0 {
		compressed, err := s.compressor.Compress(data)
		if err != nil {
			return core.NullAddress, fmt.Errorf("failed to compress record: %w", err)
		}
		if len(compressed) < len(data) {
			kind |= flagCompressed
			payload = compressed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NullAddress, core.ErrClosed
	}
	addr, err := s.appendRecord(kind, len(data), payload)
	if err != nil {
		return core.NullAddress, err
	}
	s.index[addr] = recordMeta{storedLen: uint32(len(payload)), rawLen: uint32(len(data)), kind: kind}
	s.recordWrite(len(payload))
	return addr, nil
}

func (s *FileStore) Read(addr core.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	meta, ok := s.index[addr]
	if !ok || s.deleted.Contains(uint64(addr)) {
		return nil, core.ErrNotFound
	}
	s.reads.Add(1)

	if s.cache != nil {
		if v, ok := s.cache.Get(uint64(addr)); ok {
			return clone(v), nil
		}
	}

	buf := make([]byte, recordHeaderSize+int(meta.storedLen)+core.ChecksumSize)
	if _, err := s.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", addr, err)
	}
	body := buf[:recordHeaderSize+int(meta.storedLen)]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(buf[len(body):]) {
		return nil, fmt.Errorf("checksum mismatch for record %s in %s", addr, s.path)
	}
	payload := body[recordHeaderSize:]

	var out []byte
	if meta.kind&flagCompressed != 0 {
		var err error
		if out, err = s.compressor.Decompress(payload, int(meta.rawLen)); err != nil {
			return nil, fmt.Errorf("failed to decompress record %s: %w", addr, err)
		}
	} else {
		out = clone(payload)
	}

	if s.cache != nil {
		s.cache.Set(uint64(addr), clone(out), int64(len(out))+1)
	}
	return out, nil
}

func (s *FileStore) Delete(addr core.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if _, ok := s.index[addr]; !ok || s.deleted.Contains(uint64(addr)) {
		return core.ErrNotFound
	}
	if _, err := s.appendRecord(recordTombstone, core.AddressSize, core.AppendAddress(nil, addr)); err != nil {
		return err
	}
	s.deleted.Add(uint64(addr))
	if s.cache != nil {
		s.cache.Del(uint64(addr))
	}
	s.recordDelete()
	return nil
}

// Sync flushes the store file to stable storage.
func (s *FileStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	return s.file.Sync()
}

// Size returns the current length of the store file in bytes.
func (s *FileStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// DeletedCount returns how many records have been tombstoned.
func (s *FileStore) DeletedCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.GetCardinality()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	s.closed = true
	if s.cache != nil {
		s.cache.Close()
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	unlockErr := s.unlock()
	s.logger.Info("Page store closed", "path", s.path, "size", s.size)
	return errors.Join(syncErr, closeErr, unlockErr)
}

func (s *FileStore) Stats() Stats { return s.snapshot() }
