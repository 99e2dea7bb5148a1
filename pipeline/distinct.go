package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/pagetree"
	"github.com/INLOpen/emberstore/store"
)

// seenSet remembers projected solutions. Add reports whether key was new.
type seenSet interface {
	Add(key []byte) (bool, error)
	Len() int
	Close() error
}

type hashSeen struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (h *hashSeen) Add(key []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.keys[string(key)]; ok {
		return false, nil
	}
	h.keys[string(key)] = struct{}{}
	return true, nil
}

func (h *hashSeen) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys)
}

func (h *hashSeen) Close() error { return nil }

// treeSeen keeps the keys in a page tree over an in-memory store, so that a
// large distinct set spills into store records instead of one Go map.
type treeSeen struct {
	mu    sync.Mutex
	tree  *pagetree.Tree
	store *store.MemStore
}

func newTreeSeen(opts pagetree.Options) (*treeSeen, error) {
	s := store.NewMemStore()
	opts.RawRecords = false
	t, err := pagetree.New(s, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &treeSeen{tree: t, store: s}, nil
}

func (ts *treeSeen) Add(key []byte) (bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, existed, err := ts.tree.Insert(key, nil)
	if err != nil {
		return false, err
	}
	return !existed, nil
}

func (ts *treeSeen) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tree.Len()
}

func (ts *treeSeen) Close() error { return ts.store.Close() }

// DistinctOp drops every solution whose projection onto Variables has
// already been seen and emits the projection of the rest. The seen set
// belongs to the operator and is shared by all its invocations.
type DistinctOp struct {
	opBase
	vars []Var
	seen seenSet
}

// NewDistinctOp builds a distinct operator. With NativeDistinct set the seen
// set is a page tree configured by treeOpts; otherwise it is a hash set.
func NewDistinctOp(anns Annotations, treeOpts pagetree.Options) (*DistinctOp, error) {
	b, err := newOpBase("DISTINCT", anns)
	if err != nil {
		return nil, err
	}
	vars := b.anns.Vars(Variables)
	if len(vars) == 0 {
		return nil, core.NewValidationError(string(Variables), nil, "DISTINCT: at least one variable is required")
	}
	op := &DistinctOp{opBase: b, vars: vars}
	if b.anns.Bool(NativeDistinct, false) {
		ts, err := newTreeSeen(treeOpts)
		if err != nil {
			return nil, fmt.Errorf("DISTINCT: native seen set: %w", err)
		}
		op.seen = ts
	} else {
		op.seen = &hashSeen{keys: make(map[string]struct{})}
	}
	return op, nil
}

func (op *DistinctOp) Vars() []Var { return op.vars }

// SeenCount returns the number of distinct solutions observed so far.
func (op *DistinctOp) SeenCount() int { return op.seen.Len() }

// Close releases the seen set.
func (op *DistinctOp) Close() error { return op.seen.Close() }

func (op *DistinctOp) NewStats() OpStats { return &Stats{} }

func (op *DistinctOp) Eval(oc *OpContext[BindingSet]) (*Task, error) {
	if err := oc.check(true); err != nil {
		return nil, err
	}
	return newOpTask(&op.opBase, oc, func(ctx context.Context) error {
		for {
			chunk, ok := readChunk(ctx, oc)
			if !ok {
				return sourceErr(ctx, oc)
			}
			var out []BindingSet
			for _, bs := range chunk {
				fresh, err := op.seen.Add(bs.Key(op.vars))
				if err != nil {
					return err
				}
				if fresh {
					out = append(out, bs.Project(op.vars))
				}
			}
			if err := emit(ctx, &op.opBase, oc, out); err != nil {
				return err
			}
		}
	}), nil
}
