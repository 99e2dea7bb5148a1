package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/emberstore/buffer"
	"github.com/INLOpen/emberstore/config"
	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

var querySeq atomic.Uint64

// ErrQueryStarted is returned when Run is called twice on one query.
var ErrQueryStarted = errors.New("query already started")

// QueryOptions configures a RunningQuery.
type QueryOptions struct {
	// ID defaults to a process-unique "q-<n>".
	ID string
	// BufferCapacity is the chunk capacity of every inter-stage buffer.
	BufferCapacity int
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Hooks          hooks.HookManager
	// Monitor, when set, receives the latency of every stage.
	Monitor *Monitor
}

// QueryOptionsFromConfig maps the pipeline section of a configuration file.
func QueryOptionsFromConfig(cfg config.PipelineConfig) QueryOptions {
	return QueryOptions{BufferCapacity: cfg.BufferCapacity}
}

// StageResult describes how one stage of a finished query ended.
type StageResult struct {
	BopID    int
	Op       string
	Stats    StatsSnapshot
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// RunningQuery connects operators with buffers and runs one goroutine per
// stage. It is the Controller every stage reports to.
type RunningQuery struct {
	id      string
	opts    QueryOptions
	ctx     context.Context
	cancel  context.CancelCauseFunc
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	monitor *Monitor
	started atomic.Bool
	halted  atomic.Bool
	begin   time.Time

	mu      sync.Mutex
	failure error
	results []StageResult
	outcome Outcome
	done    chan struct{}
}

// NewQuery creates a query bound to ctx. Cancelling ctx cancels every stage.
func NewQuery(ctx context.Context, opts QueryOptions) (*RunningQuery, error) {
	if opts.BufferCapacity == 0 {
		opts.BufferCapacity = config.Default().Pipeline.BufferCapacity
	}
	if opts.BufferCapacity < 1 {
		return nil, core.NewValidationError("buffer_capacity", opts.BufferCapacity, "must be at least 1")
	}
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("q-%d", querySeq.Add(1))
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	qctx, cancel := context.WithCancelCause(ctx)
	q := &RunningQuery{
		id:      opts.ID,
		opts:    opts,
		ctx:     qctx,
		cancel:  cancel,
		logger:  opts.Logger.With("component", "RunningQuery", "query_id", opts.ID),
		hooks:   opts.Hooks,
		monitor: opts.Monitor,
		done:    make(chan struct{}),
	}
	if opts.TracerProvider != nil {
		q.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/emberstore/pipeline")
	} else {
		q.tracer = noop.NewTracerProvider().Tracer("")
	}
	return q, nil
}

func (q *RunningQuery) ID() string { return q.id }

func (q *RunningQuery) opPayload(msg OpMessage) hooks.OpPayload {
	return hooks.OpPayload{QueryID: q.id, BopID: msg.BopID, Op: msg.Op, Cause: msg.Cause, Units: msg.Units}
}

func (q *RunningQuery) StartOp(msg OpMessage) {
	q.logger.Debug("Operator started", "bop_id", msg.BopID, "op", msg.Op)
	hooks.Fire(q.ctx, q.hooks, hooks.NewOnStartOpEvent(q.opPayload(msg)))
}

func (q *RunningQuery) HaltOp(msg OpMessage) {
	q.logger.Debug("Operator halted", "bop_id", msg.BopID, "op", msg.Op, "cause", msg.Cause)
	hooks.Fire(q.ctx, q.hooks, hooks.NewOnHaltOpEvent(q.opPayload(msg)))
}

func (q *RunningQuery) BufferReady(msg OpMessage) {
	hooks.Fire(q.ctx, q.hooks, hooks.NewOnBufferReadyEvent(q.opPayload(msg)))
}

// CancelQuery stops every stage. A nil cause is recorded as core.ErrCancelled.
func (q *RunningQuery) CancelQuery(cause error) {
	if cause == nil {
		cause = core.ErrCancelled
	}
	q.logger.Info("Query cancelled", "cause", cause)
	hooks.Fire(context.Background(), q.hooks, hooks.NewOnCancelQueryEvent(hooks.OpPayload{QueryID: q.id, Cause: cause}))
	q.cancel(cause)
}

// Halt with a nil cause records early termination: the halting stage stops
// reading, which cancels the stages upstream of it. A non-nil cause fails
// the query.
func (q *RunningQuery) Halt(cause error) {
	if cause == nil {
		if q.halted.CompareAndSwap(false, true) {
			q.logger.Debug("Query halted early")
		}
		return
	}
	q.fail(cause)
}

// Halted reports whether a stage ended the query early.
func (q *RunningQuery) Halted() bool { return q.halted.Load() }

func (q *RunningQuery) fail(err error) {
	q.mu.Lock()
	first := q.failure == nil
	if first {
		q.failure = err
	}
	q.mu.Unlock()
	if first {
		q.logger.Error("Query failed", "error", err)
		q.cancel(err)
	}
}

// Done is closed once every stage has finished.
func (q *RunningQuery) Done() <-chan struct{} { return q.done }

// Wait blocks until every stage has finished and returns the first stage
// failure. Cancellation is not a failure; see Outcome.
func (q *RunningQuery) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.failure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome classifies the finished query. It is only meaningful after Done.
func (q *RunningQuery) Outcome() Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outcome
}

// Results returns one StageResult per finished stage, in stage order.
func (q *RunningQuery) Results() []StageResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]StageResult(nil), q.results...)
}

type stage[T any] struct {
	index int
	op    Operator[T]
	oc    *OpContext[T]
	task  *Task
}

// Run starts ops as a chain fed by source and returns the iterator over the
// last stage's output. source may be nil when the first stage produces its
// own records. Each stage's sink is closed when the stage succeeds and
// aborted with its error otherwise.
//
// Closing the returned iterator before the end of stream cancels the chain.
func Run[T any](q *RunningQuery, source *buffer.Buffer[T], ops ...Operator[T]) (*buffer.Iterator[T], error) {
	if len(ops) == 0 {
		return nil, core.NewValidationError("stages", 0, "a query needs at least one operator")
	}
	if !q.started.CompareAndSwap(false, true) {
		return nil, ErrQueryStarted
	}
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.Name()
	}
	if err := hooks.Fire(q.ctx, q.hooks, hooks.NewPreQueryEvent(hooks.PreQueryPayload{QueryID: q.id, Stages: &names})); err != nil {
		q.finishEarly(err)
		return nil, fmt.Errorf("query %s rejected: %w", q.id, err)
	}

	ctx, span := q.tracer.Start(q.ctx, "Query.Run")
	span.SetAttributes(attribute.String("query.id", q.id), attribute.Int("query.stages", len(ops)))
	q.begin = time.Now()
	q.results = make([]StageResult, len(ops))

	stages := make([]*stage[T], 0, len(ops))
	in := source
	for i, op := range ops {
		out, _ := buffer.New[T](q.opts.BufferCapacity)
		oc := &OpContext[T]{Ctx: ctx, Query: q, Stats: op.NewStats(), Sink: out, LastInvocation: true}
		if in != nil {
			oc.Source = in.Iterator()
		}
		task, err := op.Eval(oc)
		if err != nil {
			err = fmt.Errorf("stage %d (%s): %w", i, op.Name(), err)
			out.Abort(err)
			if oc.Source != nil {
				oc.Source.Close()
			}
			for _, st := range stages {
				st.oc.Sink.Abort(err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "eval_failed")
			span.End()
			q.finishEarly(err)
			return nil, err
		}
		_ = out.SetFuture(task)
		stages = append(stages, &stage[T]{index: i, op: op, oc: oc, task: task})
		in = out
	}
	final := in.Iterator()

	q.logger.Debug("Query started", "stages", names)
	var g errgroup.Group
	for _, st := range stages {
		g.Go(func() error {
			return q.runStage(st.index, st.op.ID(), st.op.Name(), st.oc.Stats, st.task, func(err error) {
				// A task cancelled before it ran never released its source.
				if st.oc.Source != nil {
					st.oc.Source.Close()
				}
				if err == nil {
					st.oc.Sink.Close()
				} else {
					st.oc.Sink.Abort(err)
				}
			})
		})
	}
	go func() {
		g.Wait()
		q.finish(span)
	}()
	return final, nil
}

// runStage runs one stage task to completion and settles its sink.
func (q *RunningQuery) runStage(index, bopID int, name string, stats OpStats, task *Task, settle func(error)) error {
	start := time.Now()
	task.Run()
	err := task.Err()
	elapsed := time.Since(start)
	if merr := q.monitor.Record(name, elapsed); merr != nil {
		q.logger.Warn("Failed to record stage latency", "op", name, "error", merr)
	}
	outcome := Classify(err)
	settle(err)

	q.mu.Lock()
	q.results[index] = StageResult{
		BopID:    bopID,
		Op:       name,
		Stats:    stats.Base().Snapshot(),
		Outcome:  outcome,
		Err:      err,
		Duration: elapsed,
	}
	q.mu.Unlock()

	if outcome == OutcomeError {
		q.fail(err)
		return err
	}
	return nil
}

func (q *RunningQuery) finishEarly(err error) {
	q.mu.Lock()
	q.failure = err
	q.outcome = OutcomeError
	q.mu.Unlock()
	q.cancel(err)
	close(q.done)
}

func (q *RunningQuery) finish(span trace.Span) {
	defer span.End()
	q.mu.Lock()
	outcome := OutcomeSuccess
	if q.failure != nil {
		outcome = OutcomeError
	} else if !q.halted.Load() {
		for _, r := range q.results {
			if r.Outcome != OutcomeSuccess {
				outcome = r.Outcome
				break
			}
		}
	}
	q.outcome = outcome
	failure := q.failure
	q.mu.Unlock()

	elapsed := time.Since(q.begin)
	span.SetAttributes(attribute.String("query.outcome", outcome.String()))
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, "query_failed")
	}
	hooks.Fire(context.Background(), q.hooks, hooks.NewPostQueryEvent(hooks.PostQueryPayload{
		QueryID:  q.id,
		Outcome:  outcome.String(),
		Duration: elapsed,
		Error:    failure,
	}))
	q.logger.Info("Query finished", "outcome", outcome.String(), "duration", elapsed)
	q.cancel(nil)
	close(q.done)
}
