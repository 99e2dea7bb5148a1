package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/pagetree"
)

// InsertOp writes each solution's {KeyVar, ValueVar} pair into a tree and
// passes its input through unchanged. It is the only writer of that tree:
// invocations are serialized, and the tree must not be mutated elsewhere
// while the operator is in use.
//
// The tree is checkpointed whenever CheckpointInterval has elapsed since
// the previous checkpoint and once more when the input ends.
type InsertOp struct {
	opBase
	tree     *pagetree.Tree
	keyVar   Var
	valVar   Var
	interval time.Duration
	logger   *slog.Logger

	mu             sync.Mutex
	lastCheckpoint time.Time
	checkpoint     core.Address
}

// InsertOptions holds the settings that are not operator annotations.
type InsertOptions struct {
	// CheckpointInterval of zero checkpoints only at the end of input.
	CheckpointInterval time.Duration
	Logger             *slog.Logger
}

func NewInsertOp(tree *pagetree.Tree, anns Annotations, opts InsertOptions) (*InsertOp, error) {
	b, err := newOpBase("INSERT", anns)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, core.NewValidationError("tree", nil, "INSERT: tree must not be nil")
	}
	if tree.ReadOnly() {
		return nil, core.NewValidationError("tree", "read-only", "INSERT: tree must be writable")
	}
	if opts.CheckpointInterval < 0 {
		return nil, core.NewValidationError("checkpoint_interval", opts.CheckpointInterval, "INSERT: must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InsertOp{
		opBase:         b,
		tree:           tree,
		keyVar:         b.anns.Var(KeyVar, DefaultKeyVar),
		valVar:         b.anns.Var(ValueVar, DefaultValueVar),
		interval:       opts.CheckpointInterval,
		logger:         logger.With("component", "InsertOp"),
		lastCheckpoint: time.Now(),
	}, nil
}

// LastCheckpoint returns the address of the most recent checkpoint taken by
// the operator, or core.NullAddress.
func (op *InsertOp) LastCheckpoint() core.Address {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.checkpoint
}

func (op *InsertOp) NewStats() OpStats { return &Stats{} }

func (op *InsertOp) Eval(oc *OpContext[BindingSet]) (*Task, error) {
	if err := oc.check(true); err != nil {
		return nil, err
	}
	return newOpTask(&op.opBase, oc, func(ctx context.Context) error {
		for {
			chunk, ok := readChunk(ctx, oc)
			if !ok {
				if err := sourceErr(ctx, oc); err != nil {
					return err
				}
				return op.checkpointNow(ctx)
			}
			if err := op.write(ctx, chunk); err != nil {
				return err
			}
			if err := emit(ctx, &op.opBase, oc, chunk); err != nil {
				return err
			}
		}
	}), nil
}

func (op *InsertOp) write(ctx context.Context, chunk []BindingSet) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, bs := range chunk {
		key, ok := bs[op.keyVar]
		if !ok {
			return core.NewValidationError(string(op.keyVar), bs.String(), "INSERT: solution has no key binding")
		}
		if _, _, err := op.tree.Insert(key, bs[op.valVar]); err != nil {
			return fmt.Errorf("INSERT: %w", err)
		}
	}
	if op.interval > 0 && time.Since(op.lastCheckpoint) >= op.interval {
		return op.checkpointLocked(ctx)
	}
	return nil
}

func (op *InsertOp) checkpointNow(ctx context.Context) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.checkpointLocked(ctx)
}

func (op *InsertOp) checkpointLocked(ctx context.Context) error {
	addr, err := op.tree.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("INSERT: checkpoint: %w", err)
	}
	op.checkpoint = addr
	op.lastCheckpoint = time.Now()
	op.logger.Debug("Checkpoint written", "checkpoint", addr, "entries", op.tree.Len())
	return nil
}
