package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/INLOpen/emberstore/core"
)

// SliceOp passes through the records whose position in the input falls in
// [offset, offset+limit). Positions are counted across every invocation
// sharing the same SliceStats, so one stats object describes one slice.
//
// Once the window is full the operator halts the query rather than waiting
// for more input. If the input ends before the offset is reached the
// operator emits nothing and leaves its sink open.
type SliceOp[T any] struct {
	opBase
}

// NewSliceOp builds a slice. Offset defaults to 0 and Limit to no limit;
// their ranges are checked by Eval.
func NewSliceOp[T any](anns Annotations) (*SliceOp[T], error) {
	b, err := newOpBase("SLICE", anns)
	if err != nil {
		return nil, err
	}
	return &SliceOp[T]{opBase: b}, nil
}

func (op *SliceOp[T]) Offset() int64 { return op.anns.Int64(Offset, 0) }

func (op *SliceOp[T]) Limit() int64 { return op.anns.Int64(Limit, math.MaxInt64) }

func (op *SliceOp[T]) NewStats() OpStats { return &SliceStats{} }

func (op *SliceOp[T]) Eval(oc *OpContext[T]) (*Task, error) {
	offset, limit := op.Offset(), op.Limit()
	if offset < 0 {
		return nil, core.NewValidationError(string(Offset), offset, "must not be negative")
	}
	if limit < 0 {
		return nil, core.NewValidationError(string(Limit), limit, "must not be negative")
	}
	if err := oc.check(true); err != nil {
		return nil, err
	}
	st, ok := oc.Stats.(*SliceStats)
	if !ok {
		return nil, core.NewValidationError("stats", fmt.Sprintf("%T", oc.Stats), "slice requires *SliceStats")
	}
	end := offset + limit
	if end < offset {
		end = math.MaxInt64
	}
	return newOpTask(&op.opBase, oc, func(ctx context.Context) error {
		return op.run(ctx, oc, st, offset, limit, end)
	}), nil
}

func (op *SliceOp[T]) run(ctx context.Context, oc *OpContext[T], st *SliceStats, offset, limit, end int64) error {
	if limit == 0 {
		oc.Query.Halt(nil)
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !oc.Source.Next(ctx) {
			return sourceErr(ctx, oc)
		}
		chunk := oc.Source.Chunk()
		st.ChunksIn.Add(1)

		var out []T
		halt := false
		for _, rec := range chunk {
			if st.NAccepted.Load() >= limit {
				halt = true
				break
			}
			n := st.NSeen.Add(1) - 1
			st.UnitsIn.Add(1)
			if n < offset {
				continue
			}
			if n >= end {
				halt = true
				break
			}
			out = append(out, rec)
			if st.NAccepted.Add(1) == limit {
				halt = true
				break
			}
		}
		if err := emit(ctx, &op.opBase, oc, out); err != nil {
			return err
		}
		if halt {
			oc.Query.Halt(nil)
			return nil
		}
	}
}
