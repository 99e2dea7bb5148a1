package pipeline

import (
	"context"

	"github.com/INLOpen/emberstore/core"
)

// ProjectionOp keeps only the bindings named by Variables. Each input chunk
// becomes one output chunk of the same length.
type ProjectionOp struct {
	opBase
	vars []Var
}

func NewProjectionOp(anns Annotations) (*ProjectionOp, error) {
	b, err := newOpBase("PROJECTION", anns)
	if err != nil {
		return nil, err
	}
	vars := b.anns.Vars(Variables)
	if len(vars) == 0 {
		return nil, core.NewValidationError(string(Variables), nil, "PROJECTION: at least one variable is required")
	}
	return &ProjectionOp{opBase: b, vars: vars}, nil
}

func (op *ProjectionOp) Vars() []Var { return op.vars }

func (op *ProjectionOp) NewStats() OpStats { return &Stats{} }

func (op *ProjectionOp) Eval(oc *OpContext[BindingSet]) (*Task, error) {
	if err := oc.check(true); err != nil {
		return nil, err
	}
	return newOpTask(&op.opBase, oc, func(ctx context.Context) error {
		for {
			chunk, ok := readChunk(ctx, oc)
			if !ok {
				return sourceErr(ctx, oc)
			}
			out := make([]BindingSet, len(chunk))
			for i, bs := range chunk {
				out[i] = bs.Project(op.vars)
			}
			if err := emit(ctx, &op.opBase, oc, out); err != nil {
				return err
			}
		}
	}), nil
}
