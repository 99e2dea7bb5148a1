package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/emberstore/hooks"
)

// WriteAmplificationListener tracks how many page bytes the tree writes per
// checkpoint. Copy-on-write means one logical change rewrites its whole
// root path, so the ratio of pages written to checkpoints shows how much
// each batch of mutations costs.
var (
	// Use sync.Once to ensure these expvars are only ever created once,
	// making NewWriteAmplificationListener idempotent.
	wafMetricsOnce    sync.Once
	pageBytesWritten  *expvar.Int
	pageWrites        *expvar.Int
	evictionWrites    *expvar.Int
	copyOnWrites      *expvar.Int
	checkpointsWithIO *expvar.Int
)

func initWAFMetrics() {
	wafMetricsOnce.Do(func() {
		pageBytesWritten = expvar.NewInt("pagetree_page_bytes_written_total")
		pageWrites = expvar.NewInt("pagetree_page_writes_total")
		evictionWrites = expvar.NewInt("pagetree_eviction_writes_total")
		copyOnWrites = expvar.NewInt("pagetree_copy_on_writes_total")
		checkpointsWithIO = expvar.NewInt("pagetree_checkpoints_total")
		// Pages written per checkpoint, recomputed on every scrape.
		expvar.Publish("pagetree_pages_per_checkpoint", expvar.Func(func() interface{} {
			n := checkpointsWithIO.Value()
			if n == 0 {
				return 0.0 // Avoid division by zero.
			}
			return float64(pageWrites.Value()) / float64(n)
		}))
	})
}

type WriteAmplificationListener struct {
	logger *slog.Logger

	pageBytesWritten *expvar.Int
	pageWrites       *expvar.Int
	evictionWrites   *expvar.Int
	copyOnWrites     *expvar.Int
	checkpoints      *expvar.Int
}

// NewWriteAmplificationListener creates a new listener. Register it for
// EventPostPageWrite, EventPostCopyOnWrite and EventPostCheckpoint.
func NewWriteAmplificationListener(logger *slog.Logger) *WriteAmplificationListener {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initWAFMetrics() // This will only run the registration logic once.
	return &WriteAmplificationListener{
		logger:           logger.With("component", "WriteAmplificationListener"),
		pageBytesWritten: pageBytesWritten,
		pageWrites:       pageWrites,
		evictionWrites:   evictionWrites,
		copyOnWrites:     copyOnWrites,
		checkpoints:      checkpointsWithIO,
	}
}

// Register subscribes the listener to every event it understands.
func (l *WriteAmplificationListener) Register(m hooks.HookManager) {
	m.Register(hooks.EventPostPageWrite, l)
	m.Register(hooks.EventPostCopyOnWrite, l)
	m.Register(hooks.EventPostCheckpoint, l)
}

func (l *WriteAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch payload := event.Payload().(type) {
	case hooks.PageWritePayload:
		l.pageBytesWritten.Add(int64(payload.Bytes))
		l.pageWrites.Add(1)
		if payload.Evicted {
			l.evictionWrites.Add(1)
		}
	case hooks.CopyOnWritePayload:
		l.copyOnWrites.Add(1)
	case hooks.PostCheckpointPayload:
		l.checkpoints.Add(1)
		l.logger.Info("Checkpoint processed",
			"checkpoint", payload.Checkpoint,
			"entries", payload.Entries,
			"pages_written", payload.PagesWritten,
			"freed", payload.Freed,
		)
	}
	// This is an async post-hook, so we don't return an error.
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *WriteAmplificationListener) Priority() int {
	return 100 // A lower priority is fine for metrics.
}

// IsAsync indicates this listener can run in the background.
func (l *WriteAmplificationListener) IsAsync() bool {
	return true
}
