// Package buffer implements the bounded, blocking chunk queue that connects
// pipeline stages.
//
// A Buffer is Open until it is closed or aborted. Closing lets the consumer
// drain what is buffered and then see end of stream; aborting discards the
// buffered chunks and makes every later call report the abort cause.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/emberstore/core"
)

var (
	// ErrBufferClosed is returned by Add once Close has been called.
	ErrBufferClosed = errors.New("buffer closed")
	// ErrIteratorInUse is reported by a second iterator over the same buffer.
	ErrIteratorInUse = errors.New("buffer already has a consumer")
	// ErrFutureAfterDrain is returned by SetFuture once the consumer started.
	ErrFutureAfterDrain = errors.New("future bound after the consumer started draining")
	// ErrAborted is the cause recorded when Abort is called with a nil cause.
	ErrAborted = errors.New("buffer aborted")
)

// Future is the producer's completion handle. Cancel must be safe to call
// more than once and from any goroutine.
type Future interface {
	Cancel()
}

// Stats counts the traffic through a buffer.
type Stats struct {
	ChunksIn  int64
	UnitsIn   int64
	ChunksOut int64
	UnitsOut  int64
}

// Buffer is a bounded FIFO of chunks. Any number of producers may Add
// concurrently; there is exactly one consumer, obtained from Iterator.
type Buffer[T any] struct {
	mu       sync.Mutex
	chunks   [][]T
	capacity int
	closed   bool
	cause    error
	// signal is closed and replaced on every state change; waiters select
	// on it together with their context.
	signal   chan struct{}
	future   Future
	draining bool
	consumer bool

	chunksIn, unitsIn, chunksOut, unitsOut atomic.Int64
}

// New creates an open buffer holding up to capacity chunks.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, core.NewValidationError("buffer_capacity", capacity, "must be at least 1")
	}
	return &Buffer[T]{
		chunks:   make([][]T, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}),
	}, nil
}

// FromChunks returns a closed buffer pre-filled with chunks, for use as a
// ready-made source. Empty chunks are dropped.
func FromChunks[T any](chunks ...[]T) *Buffer[T] {
	b, _ := New[T](max(1, len(chunks)))
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		b.chunks = append(b.chunks, c)
		b.chunksIn.Add(1)
		b.unitsIn.Add(int64(len(c)))
	}
	b.closed = true
	return b
}

func (b *Buffer[T]) broadcastLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// waitLocked releases b.mu until the next state change or ctx is done.
func (b *Buffer[T]) waitLocked(ctx context.Context) error {
	ch := b.signal
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add appends chunk, blocking while the buffer is full. It fails with
// ErrBufferClosed after Close, with the abort cause after Abort, and with
// ctx.Err() if ctx ends first. The chunk must not be modified afterwards.
func (b *Buffer[T]) Add(ctx context.Context, chunk []T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.cause != nil {
			return b.cause
		}
		if b.closed {
			return ErrBufferClosed
		}
		if len(chunk) == 0 {
			return nil
		}
		if len(b.chunks) < b.capacity {
			break
		}
		if err := b.waitLocked(ctx); err != nil {
			return err
		}
	}
	b.chunks = append(b.chunks, chunk)
	b.chunksIn.Add(1)
	b.unitsIn.Add(int64(len(chunk)))
	b.broadcastLocked()
	return nil
}

// Close marks the end of input. Buffered chunks remain available to the
// consumer. Closing twice, or closing an aborted buffer, does nothing.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.cause != nil {
		return
	}
	b.closed = true
	b.broadcastLocked()
}

// Abort discards buffered chunks and records cause; the first cause wins.
// Producers and the consumer blocked on the buffer return immediately.
func (b *Buffer[T]) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cause != nil {
		return
	}
	b.cause = cause
	b.chunks = nil
	b.broadcastLocked()
}

// SetFuture binds the producer's handle so that a consumer giving up early
// can cancel the producer. It must be called before the consumer starts
// draining.
func (b *Buffer[T]) SetFuture(f Future) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return ErrFutureAfterDrain
	}
	b.future = f
	return nil
}

// IsOpen reports whether the buffer still accepts chunks.
func (b *Buffer[T]) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.cause == nil
}

// Err returns the abort cause, or nil.
func (b *Buffer[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// Len returns the number of buffered chunks.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *Buffer[T]) Capacity() int { return b.capacity }

func (b *Buffer[T]) Stats() Stats {
	return Stats{
		ChunksIn:  b.chunksIn.Load(),
		UnitsIn:   b.unitsIn.Load(),
		ChunksOut: b.chunksOut.Load(),
		UnitsOut:  b.unitsOut.Load(),
	}
}

func (b *Buffer[T]) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := "open"
	switch {
	case b.cause != nil:
		state = "aborted"
	case b.closed:
		state = "closed"
	}
	return fmt.Sprintf("Buffer[%s,%d/%d]", state, len(b.chunks), b.capacity)
}

// Iterator returns the single consumer handle. Further calls return an
// iterator that fails immediately with ErrIteratorInUse.
func (b *Buffer[T]) Iterator() *Iterator[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumer {
		return &Iterator[T]{err: ErrIteratorInUse, done: true}
	}
	b.consumer = true
	return &Iterator[T]{b: b}
}

// Iterator pulls chunks from a Buffer. It is not safe for concurrent use.
type Iterator[T any] struct {
	b         *Buffer[T]
	cur       []T
	err       error
	done      bool
	exhausted bool
}

// Next blocks until a chunk is available and reports whether one was
// returned. It returns false at end of stream, after an abort, or when ctx
// ends; Err tells these apart.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	b := it.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draining = true
	for {
		if b.cause != nil {
			it.fail(b.cause)
			return false
		}
		if len(b.chunks) > 0 {
			it.cur = b.chunks[0]
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.chunksOut.Add(1)
			b.unitsOut.Add(int64(len(it.cur)))
			b.broadcastLocked()
			return true
		}
		if b.closed {
			it.cur = nil
			it.done = true
			it.exhausted = true
			return false
		}
		if err := b.waitLocked(ctx); err != nil {
			it.fail(err)
			return false
		}
	}
}

func (it *Iterator[T]) fail(err error) {
	it.cur = nil
	it.err = err
	it.done = true
}

// Chunk returns the chunk produced by the last successful Next.
func (it *Iterator[T]) Chunk() []T { return it.cur }

// Err returns the abort cause or context error that stopped iteration.
// It is nil at a normal end of stream.
func (it *Iterator[T]) Err() error { return it.err }

// Close releases the consumer. Closing before end of stream cancels the
// bound producer future and aborts the buffer so blocked producers return.
func (it *Iterator[T]) Close() {
	if it.b == nil || it.exhausted {
		it.done = true
		return
	}
	it.done = true
	it.b.mu.Lock()
	f := it.b.future
	it.b.mu.Unlock()
	if f != nil {
		f.Cancel()
	}
	it.b.Abort(core.ErrCancelled)
}

// Collect drains it and returns every chunk in arrival order.
func Collect[T any](ctx context.Context, it *Iterator[T]) ([][]T, error) {
	defer it.Close()
	var out [][]T
	for it.Next(ctx) {
		out = append(out, it.Chunk())
	}
	return out, it.Err()
}

// Flatten concatenates chunks.
func Flatten[T any](chunks [][]T) []T {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]T, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
