package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/INLOpen/emberstore/core"
	"go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltStoreOptions configures a BoltStore.
type BoltStoreOptions struct {
	Path        string
	LockTimeout time.Duration
	NoSync      bool
	Logger      *slog.Logger
	Metrics     Metrics
}

// BoltStore is a durable PageStore on top of a single bbolt bucket. Addresses
// come from the bucket sequence and are stored as big-endian keys.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	closed atomic.Bool
	counters
}

var _ PageStore = (*BoltStore)(nil)

// OpenBoltStore opens or creates the bbolt database at opts.Path.
func OpenBoltStore(opts BoltStoreOptions) (*BoltStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "BoltStore_default")
	} else {
		opts.Logger = opts.Logger.With("component", "BoltStore")
	}
	if opts.Path == "" {
		return nil, core.NewValidationError("path", opts.Path, "bolt store requires a path")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory for %s: %w", opts.Path, err)
	}

	db, err := bbolt.Open(opts.Path, 0644, &bbolt.Options{Timeout: opts.LockTimeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", opts.Path, err)
	}

	s := &BoltStore{db: db, logger: opts.Logger}
	s.counters.metrics = opts.Metrics
	err = db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		s.live.Store(int64(bkt.Stats().KeyN))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise bolt store %s: %w", opts.Path, err)
	}
	s.logger.Info("Page store opened", "path", opts.Path, "records", s.live.Load())
	return s, nil
}

func boltKey(addr core.Address) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(addr))
}

func (s *BoltStore) Write(data []byte) (core.Address, error) {
	var addr core.Address
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		addr = core.Address(seq)
		return bkt.Put(boltKey(addr), data)
	})
	if err != nil {
		return core.NullAddress, mapBoltError(err)
	}
	s.recordWrite(len(data))
	return addr, nil
}

func (s *BoltStore) Read(addr core.Address) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(boltKey(addr))
		if v == nil {
			return core.ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = clone(v)
		return nil
	})
	if err != nil {
		return nil, mapBoltError(err)
	}
	s.reads.Add(1)
	return out, nil
}

func (s *BoltStore) Delete(addr core.Address) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		key := boltKey(addr)
		if bkt.Get(key) == nil {
			return core.ErrNotFound
		}
		return bkt.Delete(key)
	})
	if err != nil {
		return mapBoltError(err)
	}
	s.recordDelete()
	return nil
}

func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return core.ErrClosed
	}
	return s.db.Close()
}

func (s *BoltStore) Stats() Stats { return s.snapshot() }

func mapBoltError(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return core.ErrClosed
	}
	return err
}
