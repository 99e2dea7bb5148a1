package pipeline

import (
	"bytes"
	"context"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/pagetree"
)

const (
	DefaultKeyVar   Var = "key"
	DefaultValueVar Var = "value"
)

// ScanOp is a source: it emits one solution {KeyVar, ValueVar} per entry of
// a tree in key order, ChunkCapacity solutions per chunk. A read-only tree
// may back any number of concurrent scans; a writable tree must not be
// mutated while a scan over it runs.
type ScanOp struct {
	opBase
	tree     *pagetree.Tree
	from, to []byte
	keyVar   Var
	valVar   Var
	chunkCap int
}

// NewScanOp scans tree over [from, to); nil bounds are open.
func NewScanOp(tree *pagetree.Tree, from, to []byte, anns Annotations) (*ScanOp, error) {
	b, err := newOpBase("SCAN", anns)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, core.NewValidationError("tree", nil, "SCAN: tree must not be nil")
	}
	return &ScanOp{
		opBase:   b,
		tree:     tree,
		from:     bytes.Clone(from),
		to:       bytes.Clone(to),
		keyVar:   b.anns.Var(KeyVar, DefaultKeyVar),
		valVar:   b.anns.Var(ValueVar, DefaultValueVar),
		chunkCap: int(b.anns.Int64(ChunkCapacity, 100)),
	}, nil
}

func (op *ScanOp) NewStats() OpStats { return &Stats{} }

func (op *ScanOp) Eval(oc *OpContext[BindingSet]) (*Task, error) {
	if err := oc.check(false); err != nil {
		return nil, err
	}
	return newOpTask(&op.opBase, oc, func(ctx context.Context) error {
		st := oc.Stats.Base()
		chunk := make([]BindingSet, 0, op.chunkCap)
		var emitErr error
		err := op.tree.Scan(ctx, op.from, op.to, func(key, val []byte) bool {
			chunk = append(chunk, BindingSet{
				op.keyVar: bytes.Clone(key),
				op.valVar: bytes.Clone(val),
			})
			st.UnitsIn.Add(1)
			if len(chunk) < op.chunkCap {
				return true
			}
			if emitErr = emit(ctx, &op.opBase, oc, chunk); emitErr != nil {
				return false
			}
			chunk = make([]BindingSet, 0, op.chunkCap)
			return true
		})
		if emitErr != nil {
			return emitErr
		}
		if err != nil {
			return err
		}
		return emit(ctx, &op.opBase, oc, chunk)
	}), nil
}
