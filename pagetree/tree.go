// Package pagetree implements a copy-on-write, reference-counted page tree.
//
// Pages start out mutable and live only in memory. Every access touches the
// pages on its path through a bounded retention queue; when the last queue
// slot holding a dirty page is evicted the page is written to the backing
// PageStore and becomes immutable. Later mutations clone an immutable page
// rather than change it, so a root obtained earlier keeps describing the
// tree as it was.
//
// A Tree has a single writer. Read-only views opened from a checkpoint may be
// shared by any number of goroutines.
package pagetree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/INLOpen/emberstore/config"
	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/hooks"
	"github.com/INLOpen/emberstore/retention"
	"github.com/INLOpen/emberstore/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	minAddressBits = 1
	maxAddressBits = 16
)

// Options configures a Tree.
type Options struct {
	// AddressBits sets the fan-out: buckets hold and directories reference
	// up to 1<<AddressBits entries.
	AddressBits   int
	QueueCapacity int
	QueueScan     int
	// RawRecords stores values longer than MaxRecLen as separate store
	// records, keeping only their address in the bucket.
	RawRecords     bool
	MaxRecLen      int
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Hooks          hooks.HookManager
}

// DefaultOptions returns the settings used by config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Tree)
}

// OptionsFromConfig maps the tree section of a configuration file.
func OptionsFromConfig(cfg config.TreeConfig) Options {
	return Options{
		AddressBits:   cfg.AddressBits,
		QueueCapacity: cfg.QueueCapacity,
		QueueScan:     cfg.QueueScan,
		RawRecords:    cfg.RawRecords,
		MaxRecLen:     cfg.MaxRecLen,
	}
}

// Stats is a snapshot of tree activity.
type Stats struct {
	PagesWritten      int64
	PagesRead         int64
	CopyOnWrites      int64
	Evictions         int64
	Splits            int64
	RawRecordsWritten int64
	RawRecordsFreed   int64
	Checkpoints       int64
}

type treeStats struct {
	pagesWritten      atomic.Int64
	pagesRead         atomic.Int64
	copyOnWrites      atomic.Int64
	evictions         atomic.Int64
	splits            atomic.Int64
	rawRecordsWritten atomic.Int64
	rawRecordsFreed   atomic.Int64
	checkpoints       atomic.Int64
}

// Tree is a B+tree of Directory and Bucket pages over a PageStore.
type Tree struct {
	store    store.PageStore
	opts     Options
	fanout   int
	readOnly bool

	root  *Page
	count uint64
	queue *retention.Queue[*Page]

	// path collects the pages an operation visited or created, in descent
	// order. They are touched only once the operation's structural changes
	// are complete.
	path []*Page

	// pendingFree holds addresses that left the current version: pages
	// replaced by copy-on-write and superseded raw records. They are
	// deleted by the next Checkpoint.
	pendingFree    []core.Address
	lastCheckpoint core.Address
	poisoned       error

	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager
	stats  treeStats
}

var _ retention.Listener[*Page] = (*Tree)(nil)

// New creates an empty tree whose root is a mutable bucket.
func New(s store.PageStore, opts Options) (*Tree, error) {
	t, err := newTree(s, opts, false)
	if err != nil {
		return nil, err
	}
	t.root = newBucket()
	t.logger.Debug("Tree created", "fanout", t.fanout, "queue_capacity", opts.QueueCapacity, "queue_scan", opts.QueueScan)
	return t, nil
}

// Open reloads the tree version named by a checkpoint record.
func Open(s store.PageStore, checkpoint core.Address, opts Options) (*Tree, error) {
	return openTree(s, checkpoint, opts, false)
}

// OpenReadOnly opens the version named by a checkpoint for reading only.
// Pages are loaded on demand and never cached or touched, so the returned
// tree is safe for concurrent readers. The version stays readable until a
// writer checkpoints twice more.
func OpenReadOnly(s store.PageStore, checkpoint core.Address, opts Options) (*Tree, error) {
	return openTree(s, checkpoint, opts, true)
}

func openTree(s store.PageStore, checkpoint core.Address, opts Options, readOnly bool) (*Tree, error) {
	if s == nil {
		return nil, errors.New("pagetree: nil page store")
	}
	data, err := s.Read(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", checkpoint, err)
	}
	rec, err := decodeCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpoint, err)
	}
	if opts.AddressBits != 0 && opts.AddressBits != int(rec.AddressBits) && opts.Logger != nil {
		opts.Logger.Warn("Configured address bits differ from checkpoint, using checkpoint", "configured", opts.AddressBits, "checkpoint", rec.AddressBits)
	}
	opts.AddressBits = int(rec.AddressBits)

	t, err := newTree(s, opts, readOnly)
	if err != nil {
		return nil, err
	}
	root, err := t.load(core.Address(rec.Root))
	if err != nil {
		return nil, fmt.Errorf("failed to load root of checkpoint %s: %w", checkpoint, err)
	}
	t.root = root
	t.count = rec.Entries
	t.lastCheckpoint = checkpoint
	t.logger.Info("Tree opened", "checkpoint", checkpoint, "root", root.addr, "entries", t.count, "read_only", readOnly)
	return t, nil
}

func newTree(s store.PageStore, opts Options, readOnly bool) (*Tree, error) {
	if s == nil {
		return nil, errors.New("pagetree: nil page store")
	}
	if opts.AddressBits < minAddressBits || opts.AddressBits > maxAddressBits {
		return nil, core.NewValidationError("address_bits", opts.AddressBits, fmt.Sprintf("must be in [%d,%d]", minAddressBits, maxAddressBits))
	}
	if opts.RawRecords && opts.MaxRecLen <= 0 {
		return nil, core.NewValidationError("max_rec_len", opts.MaxRecLen, "must be positive when raw records are enabled")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Tree{
		store:    s,
		opts:     opts,
		fanout:   1 << opts.AddressBits,
		readOnly: readOnly,
		logger:   opts.Logger.With("component", "PageTree"),
		hooks:    opts.Hooks,
	}
	if opts.TracerProvider != nil {
		t.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/emberstore/pagetree")
	} else {
		t.tracer = noop.NewTracerProvider().Tracer("")
	}
	if !readOnly {
		q, err := retention.New[*Page](opts.QueueCapacity, opts.QueueScan, t)
		if err != nil {
			return nil, err
		}
		t.queue = q
	}
	return t, nil
}

// Root returns the current root page. Its identity changes whenever a
// mutation copies a persistent root or a split or collapse replaces it.
func (t *Tree) Root() *Page { return t.root }

// Len returns the number of keys in the tree.
func (t *Tree) Len() int { return int(t.count) }

// Queue exposes the retention queue. It is nil for read-only views.
func (t *Tree) Queue() *retention.Queue[*Page] { return t.queue }

// Store returns the backing page store.
func (t *Tree) Store() store.PageStore { return t.store }

// Options returns the effective options.
func (t *Tree) Options() Options { return t.opts }

// LastCheckpoint returns the address of the newest checkpoint record.
func (t *Tree) LastCheckpoint() core.Address { return t.lastCheckpoint }

// ReadOnly reports whether t is a read-only view.
func (t *Tree) ReadOnly() bool { return t.readOnly }

// Err returns the invariant violation that poisoned the tree, if any.
func (t *Tree) Err() error { return t.poisoned }

// Stats returns a snapshot of the tree counters.
func (t *Tree) Stats() Stats {
	return Stats{
		PagesWritten:      t.stats.pagesWritten.Load(),
		PagesRead:         t.stats.pagesRead.Load(),
		CopyOnWrites:      t.stats.copyOnWrites.Load(),
		Evictions:         t.stats.evictions.Load(),
		Splits:            t.stats.splits.Load(),
		RawRecordsWritten: t.stats.rawRecordsWritten.Load(),
		RawRecordsFreed:   t.stats.rawRecordsFreed.Load(),
		Checkpoints:       t.stats.checkpoints.Load(),
	}
}

func (t *Tree) checkWritable() error {
	if t.readOnly {
		return core.ErrReadOnly
	}
	if t.poisoned != nil {
		return fmt.Errorf("tree rejected write after earlier failure: %w", t.poisoned)
	}
	return nil
}

func (t *Tree) poison(err error) {
	if t.poisoned == nil {
		t.poisoned = err
		t.logger.Error("Tree poisoned by invariant violation", "error", err)
	}
}

// Insert stores value under key and returns the previous value, if any.
// A value longer than MaxRecLen is written as a raw record when raw records
// are enabled; a replaced raw record is released at the next checkpoint.
func (t *Tree) Insert(key, val []byte) (old []byte, existed bool, err error) {
	if err := t.checkWritable(); err != nil {
		return nil, false, err
	}

	v := value{inline: bytes.Clone(val)}
	if v.inline == nil {
		v.inline = []byte{}
	}
	if t.opts.RawRecords && len(val) > t.opts.MaxRecLen {
		addr, err := t.store.Write(val)
		if err != nil {
			return nil, false, fmt.Errorf("failed to write raw record: %w", err)
		}
		v = value{raw: addr}
		t.stats.rawRecordsWritten.Add(1)
		hooks.Fire(context.Background(), t.hooks, hooks.NewPostRawRecordEvent(hooks.RawRecordPayload{Address: addr, Key: key, Bytes: len(val)}))
	}

	t.path = t.path[:0]
	root, err := t.mutableRoot()
	if err != nil {
		t.discardRaw(v)
		return nil, false, err
	}
	prev, existed, right, sep, err := t.insertAt(root, bytes.Clone(key), v)
	if err != nil {
		t.discardRaw(v)
		return nil, false, err
	}
	if right != nil {
		newRoot := newDirectory()
		newRoot.children = []slot{{page: root}, {page: right}}
		newRoot.seps = [][]byte{sep}
		root.parent = newRoot
		right.parent = newRoot
		t.root = newRoot
		t.path = append(t.path, newRoot)
	}

	if existed {
		old, err = t.resolve(prev)
		if !prev.raw.IsNull() {
			t.freeLater(prev.raw)
			t.stats.rawRecordsFreed.Add(1)
		}
	} else {
		t.count++
	}
	if terr := t.touchPath(); terr != nil {
		return old, existed, terr
	}
	return old, existed, err
}

func (t *Tree) insertAt(p *Page, key []byte, v value) (old value, existed bool, right *Page, sep []byte, err error) {
	t.path = append(t.path, p)
	if p.kind == KindBucket {
		i, found := p.find(key)
		if found {
			old = p.vals[i]
			p.vals[i] = v
			return old, true, nil, nil, nil
		}
		p.keys = slices.Insert(p.keys, i, key)
		p.vals = slices.Insert(p.vals, i, v)
		if len(p.keys) > t.fanout {
			right, sep = p.splitBucket()
			t.stats.splits.Add(1)
			t.path = append(t.path, right)
		}
		return value{}, false, right, sep, nil
	}

	i := p.childIndex(key)
	c, err := t.mutableChild(p, i)
	if err != nil {
		return value{}, false, nil, nil, err
	}
	old, existed, cr, csep, err := t.insertAt(c, key, v)
	if err != nil || cr == nil {
		return old, existed, nil, nil, err
	}
	cr.parent = p
	p.children = slices.Insert(p.children, i+1, slot{page: cr})
	p.seps = slices.Insert(p.seps, i, csep)
	if len(p.children) > t.fanout {
		right, sep = p.splitDirectory()
		t.stats.splits.Add(1)
		t.path = append(t.path, right)
	}
	return old, existed, right, sep, nil
}

// Remove deletes key and returns its value. Empty buckets are unlinked and
// a root directory left with a single child collapses into that child.
func (t *Tree) Remove(key []byte) (old []byte, existed bool, err error) {
	if err := t.checkWritable(); err != nil {
		return nil, false, err
	}
	// Look up first so that removing a missing key copies nothing.
	_, found, err := t.lookupValue(key)
	if err != nil || !found {
		return nil, false, err
	}

	t.path = t.path[:0]
	root, err := t.mutableRoot()
	if err != nil {
		return nil, false, err
	}
	prev, existed, err := t.removeAt(root, key)
	if err != nil {
		return nil, false, err
	}
	if err := t.shrinkRoot(); err != nil {
		return nil, false, err
	}
	if !existed {
		return nil, false, t.touchPath()
	}

	t.count--
	old, err = t.resolve(prev)
	if !prev.raw.IsNull() {
		t.freeLater(prev.raw)
		t.stats.rawRecordsFreed.Add(1)
	}
	if terr := t.touchPath(); terr != nil {
		return old, true, terr
	}
	return old, true, err
}

func (t *Tree) removeAt(p *Page, key []byte) (value, bool, error) {
	t.path = append(t.path, p)
	if p.kind == KindBucket {
		i, found := p.find(key)
		if !found {
			return value{}, false, nil
		}
		old := p.vals[i]
		p.keys = slices.Delete(p.keys, i, i+1)
		p.vals = slices.Delete(p.vals, i, i+1)
		return old, true, nil
	}

	i := p.childIndex(key)
	c, err := t.mutableChild(p, i)
	if err != nil {
		return value{}, false, err
	}
	old, found, err := t.removeAt(c, key)
	if err != nil || !found {
		return old, found, err
	}
	if c.Len() == 0 {
		p.removeChild(i)
		c.detached = true
		c.parent = nil
	}
	return old, true, nil
}

// shrinkRoot replaces an empty root directory with an empty bucket and
// collapses single-child root directories.
func (t *Tree) shrinkRoot() error {
	for t.root.kind == KindDirectory {
		switch len(t.root.children) {
		case 0:
			t.detachRoot()
			t.root = newBucket()
			t.path = append(t.path, t.root)
			return nil
		case 1:
			c, err := t.child(t.root, 0)
			if err != nil {
				return err
			}
			t.detachRoot()
			c.parent = nil
			t.root = c
		default:
			return nil
		}
	}
	return nil
}

// detachRoot drops the current root from the tree. A clean root collapsed
// away still occupies its record until the next checkpoint.
func (t *Tree) detachRoot() {
	if !t.root.addr.IsNull() {
		t.freeLater(t.root.addr)
	}
	t.root.detached = true
}

// Lookup returns the value stored under key.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	v, found, err := t.lookupValue(key)
	if err != nil || !found {
		return nil, found, err
	}
	out, err := t.resolve(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Contains reports whether key is present.
func (t *Tree) Contains(key []byte) (bool, error) {
	_, found, err := t.lookupValue(key)
	return found, err
}

// RawAddress returns the raw record address holding key's value. The second
// result is false when the key is absent or its value is stored inline.
func (t *Tree) RawAddress(key []byte) (core.Address, bool, error) {
	v, found, err := t.lookupValue(key)
	if err != nil || !found || v.raw.IsNull() {
		return core.NullAddress, false, err
	}
	return v.raw, true, nil
}

// LookupIn searches the version rooted at root, which may be an older root
// of t. It neither touches nor caches pages.
func (t *Tree) LookupIn(root *Page, key []byte) ([]byte, bool, error) {
	v, found, err := t.search(root, key)
	if err != nil || !found {
		return nil, false, err
	}
	out, err := t.resolve(v)
	return out, err == nil, err
}

// search descends from root loading missing pages without keeping them.
func (t *Tree) search(root *Page, key []byte) (value, bool, error) {
	p := root
	for p.kind == KindDirectory {
		i := p.childIndex(key)
		c := p.children[i].page
		if c == nil {
			var err error
			if c, err = t.load(p.children[i].addr); err != nil {
				return value{}, false, err
			}
		}
		p = c
	}
	i, found := p.find(key)
	if !found {
		return value{}, false, nil
	}
	return p.vals[i], true, nil
}

func (t *Tree) lookupValue(key []byte) (value, bool, error) {
	if t.readOnly {
		return t.search(t.root, key)
	}
	t.path = t.path[:0]
	p := t.root
	t.path = append(t.path, p)
	for p.kind == KindDirectory {
		c, err := t.child(p, p.childIndex(key))
		if err != nil {
			return value{}, false, err
		}
		p = c
		t.path = append(t.path, p)
	}
	i, found := p.find(key)
	var v value
	if found {
		v = p.vals[i]
	}
	if t.poisoned == nil {
		if err := t.touchPath(); err != nil {
			return value{}, false, err
		}
	} else {
		t.path = t.path[:0]
	}
	return v, found, nil
}

// Scan calls fn for every key in [from, to) in order until fn returns false.
// A nil bound is open. fn must not modify or retain key. Pages not already
// in memory are loaded for the visit only and are not cached.
func (t *Tree) Scan(ctx context.Context, from, to []byte, fn func(key, val []byte) bool) error {
	_, err := t.scan(ctx, t.root, from, to, fn)
	return err
}

func (t *Tree) scan(ctx context.Context, p *Page, from, to []byte, fn func(key, val []byte) bool) (bool, error) {
	if p.kind == KindBucket {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		i := 0
		if from != nil {
			i, _ = p.find(from)
		}
		for ; i < len(p.keys); i++ {
			if to != nil && bytes.Compare(p.keys[i], to) >= 0 {
				return false, nil
			}
			v, err := t.resolve(p.vals[i])
			if err != nil {
				return false, err
			}
			if !fn(p.keys[i], v) {
				return false, nil
			}
		}
		return true, nil
	}

	start := 0
	if from != nil {
		start = p.childIndex(from)
	}
	for i := start; i < len(p.children); i++ {
		if to != nil && i > 0 && bytes.Compare(p.seps[i-1], to) >= 0 {
			return false, nil
		}
		c := p.children[i].page
		if c == nil {
			var err error
			if c, err = t.load(p.children[i].addr); err != nil {
				return false, err
			}
		}
		more, err := t.scan(ctx, c, from, to, fn)
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}

// ReadRawRecord reads an externalized value directly from the store.
func (t *Tree) ReadRawRecord(addr core.Address) ([]byte, error) {
	if addr.IsNull() {
		return nil, core.NewValidationError("address", addr, "raw record address is null")
	}
	return t.store.Read(addr)
}

func (t *Tree) resolve(v value) ([]byte, error) {
	if v.raw.IsNull() {
		return bytes.Clone(v.inline), nil
	}
	data, err := t.store.Read(v.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw record %s: %w", v.raw, err)
	}
	return data, nil
}

// discardRaw deletes a raw record written by an insert that then failed.
func (t *Tree) discardRaw(v value) {
	if v.raw.IsNull() {
		return
	}
	if err := t.store.Delete(v.raw); err != nil {
		t.logger.Error("Failed to discard raw record of failed insert", "address", v.raw, "error", err)
	}
}

func (t *Tree) freeLater(addr core.Address) {
	t.pendingFree = append(t.pendingFree, addr)
}

// child returns the page in slot i of p, loading it if needed. Writable
// trees keep the loaded page in the slot.
func (t *Tree) child(p *Page, i int) (*Page, error) {
	if c := p.children[i].page; c != nil {
		return c, nil
	}
	c, err := t.load(p.children[i].addr)
	if err != nil {
		return nil, err
	}
	if !t.readOnly {
		c.parent = p
		p.children[i].page = c
	}
	return c, nil
}

func (t *Tree) load(addr core.Address) (*Page, error) {
	data, err := t.store.Read(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read page %s: %w", addr, err)
	}
	p, err := decodePage(addr, data)
	if err != nil {
		return nil, err
	}
	t.stats.pagesRead.Add(1)
	return p, nil
}

func (t *Tree) mutableRoot() (*Page, error) {
	if t.root.dirty {
		return t.root, nil
	}
	t.root = t.copyOnWrite(t.root, true)
	return t.root, nil
}

// mutableChild returns a mutable version of slot i of the mutable page p,
// cloning a persistent child into the slot.
func (t *Tree) mutableChild(p *Page, i int) (*Page, error) {
	c, err := t.child(p, i)
	if err != nil {
		return nil, err
	}
	if c.dirty {
		return c, nil
	}
	clone := t.copyOnWrite(c, false)
	clone.parent = p
	p.children[i] = slot{page: clone}
	return clone, nil
}

func (t *Tree) copyOnWrite(p *Page, isRoot bool) *Page {
	c := p.clone()
	for _, s := range c.children {
		if s.page != nil {
			s.page.parent = c
		}
	}
	t.freeLater(p.addr)
	t.stats.copyOnWrites.Add(1)
	t.logger.Debug("Copy on write", "page", p.String(), "root", isRoot)
	hooks.Fire(context.Background(), t.hooks, hooks.NewPostCopyOnWriteEvent(hooks.CopyOnWritePayload{Original: p.addr, Kind: p.kind.String(), Root: isRoot}))
	return c
}

// touchPath touches the collected path, skipping pages unlinked by the
// operation.
func (t *Tree) touchPath() error {
	path := t.path
	t.path = t.path[:0]
	if t.readOnly {
		return nil
	}
	for _, p := range path {
		if p.detached {
			continue
		}
		if _, err := t.queue.Touch(p); err != nil {
			return err
		}
	}
	return nil
}
