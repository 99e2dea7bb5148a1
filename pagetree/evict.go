package pagetree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/hooks"
	"github.com/INLOpen/emberstore/retention"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Evicted is the retention queue listener. It releases the reference held
// by the evicted slot; once a page holds no references it is written if
// dirty, or dropped from its parent's slot if clean.
func (t *Tree) Evicted(_ *retention.Queue[*Page], p *Page) error {
	t.stats.evictions.Add(1)
	refs := p.AddRef(-1)
	if refs < 0 {
		err := &core.InvariantError{Op: "Evicted", Object: p.String(), Detail: "reference count went negative"}
		t.poison(err)
		return err
	}
	if refs > 0 || p.detached {
		return nil
	}
	if !p.dirty {
		t.release(p)
		return nil
	}

	ctx, span := t.tracer.Start(context.Background(), "Tree.writePage")
	defer span.End()
	n, err := t.writePage(ctx, p, true)
	span.SetAttributes(attribute.Int("pages_written", n), attribute.String("page.kind", p.kind.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write_failed")
		if core.IsInvariantError(err) {
			t.poison(err)
		}
		return err
	}
	return nil
}

// release drops a cold, clean page from its parent's slot so it can be
// garbage collected. The slot keeps the address; the page is reloaded on
// the next access.
func (t *Tree) release(p *Page) {
	parent := p.parent
	if parent == nil {
		return
	}
	if i := parent.slotOf(p); i >= 0 && parent.children[i].addr == p.addr {
		parent.children[i].page = nil
	}
}

// writePage writes p after its dirty children (post-order), records the new
// address in the parent's slot and returns the number of pages written.
func (t *Tree) writePage(ctx context.Context, p *Page, evicted bool) (int, error) {
	if !p.dirty {
		return 0, &core.InvariantError{Op: "writePage", Object: p.String(), Detail: "page is already persistent"}
	}
	if p.detached {
		return 0, &core.InvariantError{Op: "writePage", Object: p.String(), Detail: "page is no longer part of the tree"}
	}
	n := 0
	for i := range p.children {
		c := p.children[i].page
		if c == nil || !c.dirty {
			continue
		}
		if c.parent != p {
			return n, &core.InvariantError{Op: "writePage", Object: c.String(), Detail: fmt.Sprintf("dirty child of %s has a different parent", p)}
		}
		written, err := t.writePage(ctx, c, evicted)
		n += written
		if err != nil {
			return n, err
		}
	}

	data, err := encodePage(p)
	if err != nil {
		return n, err
	}
	addr, err := t.store.Write(data)
	if err != nil {
		return n, fmt.Errorf("failed to write %s page: %w", p.kind, err)
	}
	p.addr = addr
	p.dirty = false
	n++

	if parent := p.parent; parent != nil {
		i := parent.slotOf(p)
		if i < 0 {
			return n, &core.InvariantError{Op: "writePage", Object: p.String(), Detail: "page is not linked from its parent"}
		}
		if !parent.dirty {
			return n, &core.InvariantError{Op: "writePage", Object: p.String(), Detail: "dirty page under a persistent parent"}
		}
		parent.children[i].addr = addr
	}

	t.stats.pagesWritten.Add(1)
	t.logger.Debug("Page written", "address", addr, "kind", p.kind.String(), "entries", p.Len(), "bytes", len(data), "evicted", evicted)
	hooks.Fire(ctx, t.hooks, hooks.NewPostPageWriteEvent(hooks.PageWritePayload{
		Address: addr,
		Kind:    p.kind.String(),
		Entries: p.Len(),
		Bytes:   len(data),
		Evicted: evicted,
	}))
	return n, nil
}

// Checkpoint makes the current version durable: it writes every dirty page
// bottom-up, then a checkpoint record naming the root, and finally deletes
// the addresses that left the tree since the previous checkpoint, including
// that checkpoint's record. The returned address can be passed to Open.
func (t *Tree) Checkpoint(ctx context.Context) (core.Address, error) {
	ctx, span := t.tracer.Start(ctx, "Tree.Checkpoint")
	defer span.End()

	if err := t.checkWritable(); err != nil {
		return core.NullAddress, err
	}
	if err := ctx.Err(); err != nil {
		return core.NullAddress, err
	}
	if err := hooks.Fire(ctx, t.hooks, hooks.NewPreCheckpointEvent(hooks.PreCheckpointPayload{Entries: t.count, PendingFree: len(t.pendingFree)})); err != nil {
		return core.NullAddress, err
	}

	start := time.Now()
	written := 0
	if t.root.dirty {
		n, err := t.writePage(ctx, t.root, false)
		written = n
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write_failed")
			if core.IsInvariantError(err) {
				t.poison(err)
			}
			return core.NullAddress, fmt.Errorf("checkpoint failed: %w", err)
		}
	}

	rec := checkpointRecord{
		Magic:       core.CheckpointMagic,
		Version:     core.FormatVersion,
		AddressBits: uint8(t.opts.AddressBits),
		MaxRecLen:   uint32(t.opts.MaxRecLen),
		Root:        uint64(t.root.addr),
		Entries:     t.count,
		Previous:    uint64(t.lastCheckpoint),
		CreatedAt:   time.Now().UnixNano(),
	}
	if t.opts.RawRecords {
		rec.RawRecords = 1
	}
	addr, err := t.store.Write(rec.encode())
	if err != nil {
		span.RecordError(err)
		return core.NullAddress, fmt.Errorf("failed to write checkpoint record: %w", err)
	}

	free := t.pendingFree
	if !t.lastCheckpoint.IsNull() {
		free = append(free, t.lastCheckpoint)
	}
	var errs []error
	for _, a := range free {
		if err := t.store.Delete(a); err != nil && !errors.Is(err, core.ErrNotFound) {
			errs = append(errs, fmt.Errorf("free %s: %w", a, err))
		}
	}
	t.pendingFree = nil
	t.lastCheckpoint = addr
	t.stats.checkpoints.Add(1)

	duration := time.Since(start)
	span.SetAttributes(
		attribute.Int("pages_written", written),
		attribute.Int("freed", len(free)),
		attribute.Int64("entries", int64(t.count)),
	)
	t.logger.Info("Checkpoint written", "checkpoint", addr, "root", t.root.addr, "entries", t.count, "pages_written", written, "freed", len(free), "duration", duration)
	hooks.Fire(ctx, t.hooks, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{
		Checkpoint:   addr,
		Root:         t.root.addr,
		Entries:      t.count,
		PagesWritten: written,
		Freed:        len(free),
		Duration:     duration,
	}))
	if len(errs) > 0 {
		return addr, fmt.Errorf("checkpoint %s written but freeing failed: %w", addr, errors.Join(errs...))
	}
	return addr, nil
}

// Flush evicts every queue entry, writing pages as their last reference
// leaves the queue. The tree stays usable.
func (t *Tree) Flush() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.queue.EvictAll()
}
