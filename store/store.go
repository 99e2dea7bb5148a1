// Package store implements the page stores a tree persists its pages and raw
// records to. Every store is an allocate-on-write record heap: Write hands out
// a fresh address, records are immutable once written, and Delete releases an
// address for good.
package store

import (
	"expvar"
	"sync/atomic"

	"github.com/INLOpen/emberstore/core"
)

// PageStore is the boundary between a tree and its backing storage.
// Implementations must be safe for concurrent use.
type PageStore interface {
	// Write stores a copy of data and returns its new, non-null address.
	Write(data []byte) (core.Address, error)
	// Read returns a private copy of the record at addr, or core.ErrNotFound.
	Read(addr core.Address) ([]byte, error)
	// Delete releases addr. Deleting an unknown address returns core.ErrNotFound.
	Delete(addr core.Address) error
	// Close releases resources; later calls return core.ErrClosed.
	Close() error
	// Stats returns a snapshot of the store's counters.
	Stats() Stats
}

// Stats is a point-in-time snapshot of store activity.
type Stats struct {
	Writes       int64
	Reads        int64
	Deletes      int64
	BytesWritten int64
	LiveRecords  int64
}

// Metrics optionally mirrors store counters into expvar variables.
type Metrics struct {
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
}

// counters is embedded by every implementation.
type counters struct {
	writes       atomic.Int64
	reads        atomic.Int64
	deletes      atomic.Int64
	bytesWritten atomic.Int64
	live         atomic.Int64
	metrics      Metrics
}

func (c *counters) recordWrite(n int) {
	c.writes.Add(1)
	c.bytesWritten.Add(int64(n))
	c.live.Add(1)
	if c.metrics.BytesWritten != nil {
		c.metrics.BytesWritten.Add(int64(n))
	}
	if c.metrics.RecordsWritten != nil {
		c.metrics.RecordsWritten.Add(1)
	}
}

func (c *counters) recordDelete() {
	c.deletes.Add(1)
	c.live.Add(-1)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Writes:       c.writes.Load(),
		Reads:        c.reads.Load(),
		Deletes:      c.deletes.Load(),
		BytesWritten: c.bytesWritten.Load(),
		LiveRecords:  c.live.Load(),
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
