package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/emberstore/hooks"
)

// LargeValueAlerterListener logs a warning when a value at or above
// Threshold bytes is externalized as a raw record. Many such values are a
// sign that max_rec_len is set too low or that callers store blobs.
type LargeValueAlerterListener struct {
	logger    *slog.Logger
	threshold int
}

// NewLargeValueAlerterListener creates a listener for EventPostRawRecord.
// A threshold of zero alerts on every raw record.
func NewLargeValueAlerterListener(logger *slog.Logger, threshold int) *LargeValueAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LargeValueAlerterListener{
		logger:    logger.With("component", "LargeValueAlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostRawRecord event.
func (l *LargeValueAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostRawRecord {
		return nil // Ignore other events
	}

	payload, ok := event.Payload().(hooks.RawRecordPayload)
	if !ok {
		l.logger.Error("Received PostRawRecord event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.Bytes < l.threshold {
		return nil
	}

	l.logger.Warn("Large value stored as raw record",
		"address", payload.Address,
		"bytes", payload.Bytes,
		"key_hex", fmt.Sprintf("%x", payload.Key),
	)

	return nil
}

// Priority defines the execution order.
func (l *LargeValueAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *LargeValueAlerterListener) IsAsync() bool { return true }
