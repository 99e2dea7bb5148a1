package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	for i := 1; i <= 100; i++ {
		require.NoError(t, m.Record("SLICE", time.Duration(i)*time.Millisecond))
	}
	require.NoError(t, m.Record("DISTINCT", time.Second))

	assert.Equal(t, uint64(100), m.Count("SLICE"))
	assert.Equal(t, uint64(0), m.Count("SCAN"))
	assert.Equal(t, []string{"DISTINCT", "SLICE"}, m.Ops())

	p50 := m.Quantile("SLICE", 0.5)
	assert.InDelta(t, float64(50*time.Millisecond), float64(p50), float64(5*time.Millisecond))
	assert.Equal(t, time.Duration(0), m.Quantile("SCAN", 0.5))
}

func TestMonitor_NilIgnoresRecords(t *testing.T) {
	var m *Monitor
	assert.NoError(t, m.Record("SLICE", time.Millisecond))
}
