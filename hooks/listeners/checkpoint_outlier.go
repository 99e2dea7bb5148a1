package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/emberstore/hooks"
)

// Thresholds defines the min/max acceptable values for a checkpoint measure.
type Thresholds struct {
	Min float64
	Max float64
}

// Checkpoint measures an OutlierRule can watch.
const (
	MeasureDurationMS   = "duration_ms"
	MeasurePagesWritten = "pages_written"
	MeasureFreed        = "freed"
	MeasureEntries      = "entries"
)

// OutlierRule bounds one checkpoint measure.
type OutlierRule struct {
	Measure    string
	Thresholds Thresholds
}

// CheckpointOutlierListener logs checkpoints whose measures fall outside
// the configured thresholds. It only detects; it never fails a checkpoint.
type CheckpointOutlierListener struct {
	logger *slog.Logger
	rules  map[string]Thresholds
}

// NewCheckpointOutlierListener creates a listener for EventPostCheckpoint.
// Rules naming an unknown measure are rejected.
func NewCheckpointOutlierListener(logger *slog.Logger, rules []OutlierRule) (*CheckpointOutlierListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ruleMap := make(map[string]Thresholds, len(rules))
	for _, rule := range rules {
		switch rule.Measure {
		case MeasureDurationMS, MeasurePagesWritten, MeasureFreed, MeasureEntries:
		default:
			return nil, fmt.Errorf("unknown checkpoint measure %q", rule.Measure)
		}
		if rule.Thresholds.Min > rule.Thresholds.Max {
			return nil, fmt.Errorf("measure %q: min %v exceeds max %v", rule.Measure, rule.Thresholds.Min, rule.Thresholds.Max)
		}
		ruleMap[rule.Measure] = rule.Thresholds
	}

	return &CheckpointOutlierListener{
		logger: logger.With("component", "CheckpointOutlierListener"),
		rules:  ruleMap,
	}, nil
}

// OnEvent handles PostCheckpoint events.
func (l *CheckpointOutlierListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCheckpoint {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostCheckpointPayload)
	if !ok {
		l.logger.Error("Received PostCheckpoint event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	measures := map[string]float64{
		MeasureDurationMS:   float64(payload.Duration.Microseconds()) / 1000,
		MeasurePagesWritten: float64(payload.PagesWritten),
		MeasureFreed:        float64(payload.Freed),
		MeasureEntries:      float64(payload.Entries),
	}
	for measure, thresholds := range l.rules {
		value := measures[measure]
		if value < thresholds.Min || value > thresholds.Max {
			l.logger.Warn("Checkpoint outlier detected",
				"checkpoint", payload.Checkpoint,
				"measure", measure,
				"value", value,
				"min_threshold", thresholds.Min,
				"max_threshold", thresholds.Max,
			)
		}
	}
	return nil
}

// Priority defines the execution order.
func (l *CheckpointOutlierListener) Priority() int { return 100 }

func (l *CheckpointOutlierListener) IsAsync() bool { return false }
