package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"
)

// Monitor keeps a latency digest per operator name.
type Monitor struct {
	mu      sync.Mutex
	digests map[string]*tdigest.TDigest
}

func NewMonitor() *Monitor {
	return &Monitor{digests: make(map[string]*tdigest.TDigest)}
}

// Record adds one invocation latency for op. A nil Monitor ignores it.
func (m *Monitor) Record(op string, d time.Duration) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	td, ok := m.digests[op]
	if !ok {
		var err error
		td, err = tdigest.New()
		if err != nil {
			return fmt.Errorf("tdigest.New failed: %w", err)
		}
		m.digests[op] = td
	}
	if err := td.AddWeighted(float64(d), 1); err != nil {
		return fmt.Errorf("tdigest AddWeighted failed: %w", err)
	}
	return nil
}

// Quantile estimates the q-quantile latency of op, or 0 if op has no data.
func (m *Monitor) Quantile(op string, q float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	td, ok := m.digests[op]
	if !ok {
		return 0
	}
	return time.Duration(td.Quantile(q))
}

// Count returns how many latencies were recorded for op.
func (m *Monitor) Count(op string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	td, ok := m.digests[op]
	if !ok {
		return 0
	}
	return td.Count()
}

// Ops lists the operators with recorded latencies, sorted.
func (m *Monitor) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, 0, len(m.digests))
	for op := range m.digests {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
