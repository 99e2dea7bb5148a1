package listeners

import (
	"context"
	"encoding/json"
	"expvar"
	"testing"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetWAFMetrics() {
	// expvars are global; reset them so each test starts clean.
	initWAFMetrics()
	pageBytesWritten.Set(0)
	pageWrites.Set(0)
	evictionWrites.Set(0)
	copyOnWrites.Set(0)
	checkpointsWithIO.Set(0)
}

func TestWriteAmplificationListener_OnEvent(t *testing.T) {
	resetWAFMetrics()
	listener := NewWriteAmplificationListener(nil)
	require.NotNil(t, listener)
	ctx := context.Background()

	writes := []hooks.PageWritePayload{
		{Address: 1, Kind: "bucket", Entries: 4, Bytes: 120, Evicted: true},
		{Address: 2, Kind: "bucket", Entries: 3, Bytes: 90},
		{Address: 3, Kind: "directory", Entries: 2, Bytes: 40},
	}
	for _, w := range writes {
		require.NoError(t, listener.OnEvent(ctx, hooks.NewPostPageWriteEvent(w)))
	}
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostCopyOnWriteEvent(hooks.CopyOnWritePayload{Original: 1, Kind: "bucket"})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{Checkpoint: 4, Root: 3, Entries: 7, PagesWritten: 2})))

	assert.Equal(t, int64(250), pageBytesWritten.Value())
	assert.Equal(t, int64(3), pageWrites.Value())
	assert.Equal(t, int64(1), evictionWrites.Value())
	assert.Equal(t, int64(1), copyOnWrites.Value())
	assert.Equal(t, int64(1), checkpointsWithIO.Value())

	ratio := expvar.Get("pagetree_pages_per_checkpoint")
	require.NotNil(t, ratio)
	var v float64
	require.NoError(t, json.Unmarshal([]byte(ratio.String()), &v))
	assert.InDelta(t, 3.0, v, 1e-9)

	// A second checkpoint without writes halves the ratio.
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{Checkpoint: 5, Root: 3})))
	require.NoError(t, json.Unmarshal([]byte(ratio.String()), &v))
	assert.InDelta(t, 1.5, v, 1e-9)
}

func TestWriteAmplificationListener_IgnoresOtherEvents(t *testing.T) {
	resetWAFMetrics()
	listener := NewWriteAmplificationListener(nil)

	event := hooks.NewPostRawRecordEvent(hooks.RawRecordPayload{Address: core.Address(9), Bytes: 4096})
	require.NoError(t, listener.OnEvent(context.Background(), event))
	assert.Equal(t, int64(0), pageBytesWritten.Value())
	assert.Equal(t, int64(0), pageWrites.Value())
}

func TestWriteAmplificationListener_Register(t *testing.T) {
	resetWAFMetrics()
	hm := hooks.NewHookManager(nil)
	NewWriteAmplificationListener(nil).Register(hm)

	require.NoError(t, hm.Trigger(context.Background(), hooks.NewPostPageWriteEvent(hooks.PageWritePayload{Bytes: 10})))
	hm.Stop()
	assert.Equal(t, int64(10), pageBytesWritten.Value())
}
