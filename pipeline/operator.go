// Package pipeline runs chunk-oriented operator chains.
//
// An operator consumes chunks of records from a source buffer and produces
// chunks on a sink buffer. Each invocation runs as a Task, reports its
// lifecycle to a Controller and accumulates counters in an OpStats that may
// be shared between concurrent invocations.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/emberstore/buffer"
	"github.com/INLOpen/emberstore/core"
)

// OpMessage identifies an operator invocation in controller reports.
type OpMessage struct {
	BopID int
	Op    string
	// Units is the size of the chunk handed downstream (BufferReady only).
	Units int
	// Cause is the error an invocation ended with (HaltOp only).
	Cause error
}

// Controller is the query-side callback surface. Its only duty back to an
// operator is to eventually close or abort the operator's sink.
type Controller interface {
	StartOp(msg OpMessage)
	HaltOp(msg OpMessage)
	BufferReady(msg OpMessage)
	// CancelQuery tears the whole query down with cause.
	CancelQuery(cause error)
	// Halt ends the query. A nil cause means early, successful termination.
	Halt(cause error)
}

// NopController ignores every report.
type NopController struct{}

func (NopController) StartOp(OpMessage)     {}
func (NopController) HaltOp(OpMessage)      {}
func (NopController) BufferReady(OpMessage) {}
func (NopController) CancelQuery(error)     {}
func (NopController) Halt(error)            {}

// OpContext carries everything one operator invocation works with.
type OpContext[T any] struct {
	// Ctx bounds the invocation; nil means context.Background.
	Ctx   context.Context
	Query Controller
	Stats OpStats
	// Source is nil for operators that produce records from elsewhere.
	Source *buffer.Iterator[T]
	Sink   *buffer.Buffer[T]
	// LastInvocation is set when no further input will reach this operator.
	LastInvocation bool
}

func (oc *OpContext[T]) check(needSource bool) error {
	if oc == nil {
		return core.NewValidationError("context", nil, "must not be nil")
	}
	if oc.Stats == nil {
		return core.NewValidationError("stats", nil, "must not be nil")
	}
	if oc.Sink == nil {
		return core.NewValidationError("sink", nil, "must not be nil")
	}
	if needSource && oc.Source == nil {
		return core.NewValidationError("source", nil, "must not be nil")
	}
	if oc.Query == nil {
		oc.Query = NopController{}
	}
	if oc.Ctx == nil {
		oc.Ctx = context.Background()
	}
	return nil
}

// Operator is a pipeline stage over records of type T.
type Operator[T any] interface {
	ID() int
	Name() string
	Annotations() Annotations
	// NewStats returns the statistics object Eval expects.
	NewStats() OpStats
	// Eval validates the invocation and returns a task that has not started.
	Eval(oc *OpContext[T]) (*Task, error)
}

// opBase holds the parts every operator shares.
type opBase struct {
	id   int
	name string
	anns Annotations
}

func newOpBase(name string, anns Annotations) (opBase, error) {
	norm, err := anns.normalize()
	if err != nil {
		return opBase{}, fmt.Errorf("%s: %w", name, err)
	}
	id, ok := norm[BopID].(int64)
	if !ok {
		return opBase{}, core.NewValidationError(string(BopID), nil, name+": required annotation is missing")
	}
	if mp := norm.Int64(MaxParallel, 1); mp < 1 {
		return opBase{}, core.NewValidationError(string(MaxParallel), mp, name+": must be at least 1")
	}
	if _, set := norm[ChunkCapacity]; set {
		if c := norm.Int64(ChunkCapacity, 1); c < 1 {
			return opBase{}, core.NewValidationError(string(ChunkCapacity), c, name+": must be at least 1")
		}
	}
	if d := norm.Duration(Timeout, 0); d < 0 {
		return opBase{}, core.NewValidationError(string(Timeout), d, name+": must not be negative")
	}
	return opBase{id: int(id), name: name, anns: norm}, nil
}

func (b *opBase) ID() int                  { return b.id }
func (b *opBase) Name() string             { return b.name }
func (b *opBase) Annotations() Annotations { return b.anns }

// EvaluationContext reports where the operator must run.
func (b *opBase) EvaluationContext() EvalContext { return b.anns.EvalContext(EvalAny) }

// SharedState reports whether concurrent invocations share operator state.
func (b *opBase) SharedState() bool { return b.anns.Bool(SharedState, false) }

func (b *opBase) MaxParallel() int { return int(b.anns.Int64(MaxParallel, 1)) }

func (b *opBase) String() string {
	return fmt.Sprintf("%s[%d]%s", b.name, b.id, b.anns)
}

func (b *opBase) msg() OpMessage { return OpMessage{BopID: b.id, Op: b.name} }

// newOpTask wraps body with the lifecycle every invocation follows: report
// the start, run, release the source, abort the sink on failure and report
// the halt. A successful invocation leaves its sink open for the controller.
func newOpTask[T any](b *opBase, oc *OpContext[T], body func(ctx context.Context) error) *Task {
	return NewTask(oc.Ctx, func(ctx context.Context) error {
		oc.Stats.Base().OpCount.Add(1)
		oc.Query.StartOp(b.msg())

		if d := b.anns.Duration(Timeout, 0); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		err := causeOf(ctx, body(ctx))
		if oc.Source != nil {
			oc.Source.Close()
		}
		if err != nil {
			oc.Sink.Abort(err)
		}

		msg := b.msg()
		msg.Cause = err
		oc.Query.HaltOp(msg)
		return err
	})
}

// causeOf replaces a bare context error with the cancellation cause.
func causeOf(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

// readChunk pulls the next input chunk and counts it.
func readChunk[T any](ctx context.Context, oc *OpContext[T]) ([]T, bool) {
	if err := ctx.Err(); err != nil {
		return nil, false
	}
	if !oc.Source.Next(ctx) {
		return nil, false
	}
	chunk := oc.Source.Chunk()
	st := oc.Stats.Base()
	st.ChunksIn.Add(1)
	st.UnitsIn.Add(int64(len(chunk)))
	return chunk, true
}

// sourceErr reports why readChunk stopped; nil at end of stream.
func sourceErr[T any](ctx context.Context, oc *OpContext[T]) error {
	if err := oc.Source.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// emit hands a non-empty chunk to the sink and counts it.
func emit[T any](ctx context.Context, b *opBase, oc *OpContext[T], chunk []T) error {
	if len(chunk) == 0 {
		return nil
	}
	if err := oc.Sink.Add(ctx, chunk); err != nil {
		return err
	}
	st := oc.Stats.Base()
	st.ChunksOut.Add(1)
	st.UnitsOut.Add(int64(len(chunk)))
	msg := b.msg()
	msg.Units = len(chunk)
	oc.Query.BufferReady(msg)
	return nil
}
