package pipeline

import (
	"fmt"
	"sync/atomic"
)

// OpStats is implemented by every statistics object an operator can be
// evaluated with.
type OpStats interface {
	Base() *Stats
}

// Stats counts the traffic through one operator. A single Stats may be
// shared by concurrent invocations of the same operator.
type Stats struct {
	ChunksIn  atomic.Int64
	UnitsIn   atomic.Int64
	ChunksOut atomic.Int64
	UnitsOut  atomic.Int64
	// OpCount is the number of invocations that have started.
	OpCount atomic.Int64
}

func (s *Stats) Base() *Stats { return s }

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ChunksIn  int64
	UnitsIn   int64
	ChunksOut int64
	UnitsOut  int64
	OpCount   int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ChunksIn:  s.ChunksIn.Load(),
		UnitsIn:   s.UnitsIn.Load(),
		ChunksOut: s.ChunksOut.Load(),
		UnitsOut:  s.UnitsOut.Load(),
		OpCount:   s.OpCount.Load(),
	}
}

// Merge adds the counters of other into s.
func (s *Stats) Merge(other *Stats) {
	s.ChunksIn.Add(other.ChunksIn.Load())
	s.UnitsIn.Add(other.UnitsIn.Load())
	s.ChunksOut.Add(other.ChunksOut.Load())
	s.UnitsOut.Add(other.UnitsOut.Load())
	s.OpCount.Add(other.OpCount.Load())
}

func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("{chunksIn=%d,unitsIn=%d,chunksOut=%d,unitsOut=%d,opCount=%d}",
		snap.ChunksIn, snap.UnitsIn, snap.ChunksOut, snap.UnitsOut, snap.OpCount)
}

// SliceStats adds the slice position counters. NSeen is the number of
// records drawn from the source; NAccepted the number inside the window.
type SliceStats struct {
	Stats
	NSeen     atomic.Int64
	NAccepted atomic.Int64
}

func (s *SliceStats) String() string {
	return fmt.Sprintf("%s{nseen=%d,naccepted=%d}", s.Stats.String(), s.NSeen.Load(), s.NAccepted.Load())
}
