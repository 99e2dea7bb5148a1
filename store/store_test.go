package store

import (
	"bytes"
	"expvar"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/emberstore/config"
	"github.com/INLOpen/emberstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeFactory func(t *testing.T) PageStore

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) PageStore { return NewMemStore() },
		"file": func(t *testing.T) PageStore {
			s, err := OpenFileStore(FileStoreOptions{
				Path:           filepath.Join(t.TempDir(), "pages.emb"),
				Compression:    core.CompressionSnappy,
				ReadCacheBytes: 1 << 20,
				Logger:         discardLogger(),
			})
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) PageStore {
			s, err := OpenBoltStore(BoltStoreOptions{
				Path:   filepath.Join(t.TempDir(), "pages.bolt"),
				NoSync: true,
				Logger: discardLogger(),
			})
			require.NoError(t, err)
			return s
		},
	}
}

func TestPageStore_Contract(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			small := []byte("hello page")
			large := bytes.Repeat([]byte("raw-record-"), 512)

			a1, err := s.Write(small)
			require.NoError(t, err)
			a2, err := s.Write(large)
			require.NoError(t, err)

			assert.False(t, a1.IsNull())
			assert.NotEqual(t, a1, a2)

			got, err := s.Read(a1)
			require.NoError(t, err)
			assert.Equal(t, small, got)

			got, err = s.Read(a2)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(large, got), "large record must round trip")

			// Returned slices are private copies.
			got, _ = s.Read(a1)
			got[0] = 'X'
			again, err := s.Read(a1)
			require.NoError(t, err)
			assert.Equal(t, small, again)

			require.NoError(t, s.Delete(a1))
			_, err = s.Read(a1)
			assert.ErrorIs(t, err, core.ErrNotFound)
			assert.ErrorIs(t, s.Delete(a1), core.ErrNotFound)

			_, err = s.Read(core.Address(999999))
			assert.ErrorIs(t, err, core.ErrNotFound)

			stats := s.Stats()
			assert.Equal(t, int64(2), stats.Writes)
			assert.Equal(t, int64(1), stats.Deletes)
			assert.Equal(t, int64(1), stats.LiveRecords)

			require.NoError(t, s.Close())
			_, err = s.Write(small)
			assert.ErrorIs(t, err, core.ErrClosed)
			_, err = s.Read(a2)
			assert.ErrorIs(t, err, core.ErrClosed)
			assert.ErrorIs(t, s.Close(), core.ErrClosed)
		})
	}
}

func TestPageStore_ConcurrentWriters(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			const writers, perWriter = 8, 50
			var mu sync.Mutex
			seen := make(map[core.Address][]byte)
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						data := []byte{byte(w), byte(i), 0xAB}
						addr, err := s.Write(data)
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						seen[addr] = data
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			require.Len(t, seen, writers*perWriter, "addresses must be unique")
			for addr, want := range seen {
				got, err := s.Read(addr)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestFileStore_ReopenReplaysRecordsAndTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.emb")
	opts := FileStoreOptions{Path: path, Compression: core.CompressionZSTD, Logger: discardLogger()}

	s, err := OpenFileStore(opts)
	require.NoError(t, err)
	keep, err := s.Write(bytes.Repeat([]byte("k"), 300))
	require.NoError(t, err)
	gone, err := s.Write([]byte("gone"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(gone))
	require.NoError(t, s.Close())

	s, err = OpenFileStore(opts)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read(keep)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("k"), 300), got)

	_, err = s.Read(gone)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, uint64(1), s.DeletedCount())
	assert.Equal(t, int64(1), s.Stats().LiveRecords)

	// New writes continue after the replayed tail.
	next, err := s.Write([]byte("after reopen"))
	require.NoError(t, err)
	assert.Greater(t, uint64(next), uint64(gone))
}

func TestFileStore_TruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.emb")
	opts := FileStoreOptions{Path: path, Compression: core.CompressionNone, Logger: discardLogger()}

	s, err := OpenFileStore(opts)
	require.NoError(t, err)
	addr, err := s.Write([]byte("durable"))
	require.NoError(t, err)
	goodSize := s.Size()
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{recordData, 0xFF, 0xFF})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFileStore(opts)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, goodSize, s.Size())
	got, err := s.Read(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestFileStore_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-store")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x42}, 64), 0644))

	_, err := OpenFileStore(FileStoreOptions{Path: path, Logger: discardLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestFileStore_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.emb")
	s, err := OpenFileStore(FileStoreOptions{Path: path, Logger: discardLogger()})
	require.NoError(t, err)

	_, err = OpenFileStore(FileStoreOptions{Path: path, LockTimeout: 50 * time.Millisecond, Logger: discardLogger()})
	require.Error(t, err)

	require.NoError(t, s.Close())
	s2, err := OpenFileStore(FileStoreOptions{Path: path, Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestFileStore_Metrics(t *testing.T) {
	bytesWritten := new(expvar.Int)
	records := new(expvar.Int)
	s, err := OpenFileStore(FileStoreOptions{
		Path:    filepath.Join(t.TempDir(), "pages.emb"),
		Logger:  discardLogger(),
		Metrics: Metrics{BytesWritten: bytesWritten, RecordsWritten: records},
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), records.Value())
	assert.Equal(t, int64(5), bytesWritten.Value())
}

func TestOpen_FromConfig(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		kind string
		want any
	}{
		{"memory", &MemStore{}},
		{"file", &FileStore{}},
		{"bolt", &BoltStore{}},
	}
	for _, tc := range testCases {
		t.Run(tc.kind, func(t *testing.T) {
			cfg := config.StoreConfig{Kind: tc.kind, Path: filepath.Join(dir, tc.kind+".db"), Compression: "lz4"}
			s, err := Open(cfg, discardLogger(), Metrics{})
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tc.want, s)
		})
	}

	_, err := Open(config.StoreConfig{Kind: "tape"}, discardLogger(), Metrics{})
	assert.Error(t, err)
}
