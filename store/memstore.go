package store

import (
	"sync"

	"github.com/INLOpen/emberstore/core"
)

// MemStore is a transient PageStore that keeps every record in memory.
// It is the test double for durable stores and backs scratch trees such as
// the native DISTINCT operator.
type MemStore struct {
	mu      sync.RWMutex
	records map[core.Address][]byte
	next    core.Address
	closed  bool
	counters
}

var _ PageStore = (*MemStore)(nil)

// NewMemStore creates an empty transient store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[core.Address][]byte)}
}

func (s *MemStore) Write(data []byte) (core.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NullAddress, core.ErrClosed
	}
	s.next++
	s.records[s.next] = clone(data)
	s.recordWrite(len(data))
	return s.next, nil
}

func (s *MemStore) Read(addr core.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	rec, ok := s.records[addr]
	if !ok {
		return nil, core.ErrNotFound
	}
	s.reads.Add(1)
	return clone(rec), nil
}

func (s *MemStore) Delete(addr core.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if _, ok := s.records[addr]; !ok {
		return core.ErrNotFound
	}
	delete(s.records, addr)
	s.recordDelete()
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	s.closed = true
	s.records = nil
	return nil
}

func (s *MemStore) Stats() Stats { return s.snapshot() }
