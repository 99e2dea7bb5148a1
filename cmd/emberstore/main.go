package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/emberstore/buffer"
	"github.com/INLOpen/emberstore/config"
	"github.com/INLOpen/emberstore/core"
	"github.com/INLOpen/emberstore/hooks"
	"github.com/INLOpen/emberstore/hooks/listeners"
	"github.com/INLOpen/emberstore/pagetree"
	"github.com/INLOpen/emberstore/pipeline"
	"github.com/INLOpen/emberstore/server"
	"github.com/INLOpen/emberstore/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates an OpenTelemetry TracerProvider that exports
// spans to the configured OTLP collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("emberstore")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// registerListeners attaches the stock listeners to hm.
func registerListeners(hm hooks.HookManager, cfg *config.Config, logger *slog.Logger) error {
	listeners.NewWriteAmplificationListener(logger).Register(hm)
	hm.Register(hooks.EventPostRawRecord, listeners.NewLargeValueAlerterListener(logger, 4*cfg.Tree.MaxRecLen))

	outlier, err := listeners.NewCheckpointOutlierListener(logger, []listeners.OutlierRule{
		{Measure: listeners.MeasureDurationMS, Thresholds: listeners.Thresholds{Min: 0, Max: 2000}},
		{Measure: listeners.MeasurePagesWritten, Thresholds: listeners.Thresholds{Min: 0, Max: 10000}},
	})
	if err != nil {
		return err
	}
	hm.Register(hooks.EventPostCheckpoint, outlier)
	return nil
}

// generateRows returns rows solutions split into chunks of chunkCap.
func generateRows(rows, chunkCap int) [][]pipeline.BindingSet {
	var chunks [][]pipeline.BindingSet
	chunk := make([]pipeline.BindingSet, 0, chunkCap)
	for i := 0; i < rows; i++ {
		chunk = append(chunk, pipeline.NewBindingSet(
			pipeline.DefaultKeyVar, []byte(fmt.Sprintf("row-%08d", i)),
			pipeline.DefaultValueVar, []byte(fmt.Sprintf("value of row %d", i)),
		))
		if len(chunk) == chunkCap {
			chunks = append(chunks, chunk)
			chunk = make([]pipeline.BindingSet, 0, chunkCap)
		}
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// load writes rows solutions into a fresh tree and returns the final checkpoint.
func load(ctx context.Context, s store.PageStore, cfg *config.Config, opts pagetree.Options, qopts pipeline.QueryOptions, rows int, logger *slog.Logger) (core.Address, error) {
	tree, err := pagetree.New(s, opts)
	if err != nil {
		return core.NullAddress, err
	}
	insert, err := pipeline.NewInsertOp(tree, pipeline.Annotations{pipeline.BopID: 1}, pipeline.InsertOptions{
		CheckpointInterval: config.ParseDuration(cfg.Tree.CheckpointInterval, 30*time.Second, logger),
		Logger:             logger,
	})
	if err != nil {
		return core.NullAddress, err
	}

	q, err := pipeline.NewQuery(ctx, qopts)
	if err != nil {
		return core.NullAddress, err
	}
	it, err := pipeline.Run[pipeline.BindingSet](q, buffer.FromChunks(generateRows(rows, cfg.Pipeline.ChunkCapacity)...), insert)
	if err != nil {
		return core.NullAddress, err
	}
	defer it.Close()
	for it.Next(ctx) {
	}
	if err := it.Err(); err != nil {
		return core.NullAddress, err
	}
	if err := q.Wait(ctx); err != nil {
		return core.NullAddress, err
	}

	st := tree.Stats()
	logger.Info("Load finished", "rows", tree.Len(), "checkpoint", insert.LastCheckpoint(), "pages_written", st.PagesWritten, "copy_on_writes", st.CopyOnWrites)
	return insert.LastCheckpoint(), nil
}

// query runs SCAN -> SLICE -> PROJECTION over a read-only view of checkpoint.
func query(ctx context.Context, s store.PageStore, checkpoint core.Address, cfg *config.Config, opts pagetree.Options, qopts pipeline.QueryOptions, offset, limit int64) ([]pipeline.BindingSet, *pipeline.RunningQuery, error) {
	view, err := pagetree.OpenReadOnly(s, checkpoint, opts)
	if err != nil {
		return nil, nil, err
	}
	scan, err := pipeline.NewScanOp(view, nil, nil, pipeline.Annotations{
		pipeline.BopID:         1,
		pipeline.ChunkCapacity: cfg.Pipeline.ChunkCapacity,
	})
	if err != nil {
		return nil, nil, err
	}
	slice, err := pipeline.NewSliceOp[pipeline.BindingSet](pipeline.Annotations{
		pipeline.BopID:  2,
		pipeline.Offset: offset,
		pipeline.Limit:  limit,
	})
	if err != nil {
		return nil, nil, err
	}
	project, err := pipeline.NewProjectionOp(pipeline.Annotations{
		pipeline.BopID:     3,
		pipeline.Variables: []pipeline.Var{pipeline.DefaultKeyVar},
	})
	if err != nil {
		return nil, nil, err
	}

	q, err := pipeline.NewQuery(ctx, qopts)
	if err != nil {
		return nil, nil, err
	}
	it, err := pipeline.Run[pipeline.BindingSet](q, nil, scan, slice, project)
	if err != nil {
		return nil, q, err
	}
	chunks, err := buffer.Collect(ctx, it)
	if err != nil {
		return nil, q, err
	}
	if err := q.Wait(ctx); err != nil {
		return nil, q, err
	}
	return buffer.Flatten(chunks), q, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	rows := flag.Int("rows", 10000, "Number of rows to load before querying")
	checkpoint := flag.Uint64("checkpoint", 0, "Query an existing checkpoint instead of loading rows")
	offset := flag.Int64("offset", 0, "Rows to skip in the query")
	limit := flag.Int64("limit", 10, "Maximum rows the query returns")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	if err := run(cfg, tp, logger, core.Address(*checkpoint), *rows, *offset, *limit); err != nil {
		logger.Error("emberstore failed", "error", err)
		tracerCleanup()
		os.Exit(1)
	}
}

func run(cfg *config.Config, tp *sdktrace.TracerProvider, logger *slog.Logger, checkpoint core.Address, rows int, offset, limit int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Debug.Enabled {
		metricSrv, err := server.NewMetricsServer(&cfg.Debug, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer metricSrv.Stop()

		diskPath := "."
		if cfg.Store.Path != "" {
			diskPath = filepath.Dir(cfg.Store.Path)
		}
		collector := server.NewSystemCollector(diskPath, config.ParseDuration(cfg.Debug.SystemInterval, 5*time.Second, logger), logger)
		collector.Start()
		defer collector.Stop()
	}

	s, err := store.Open(cfg.Store, logger, store.Metrics{
		BytesWritten:   expvar.NewInt("store_bytes_written_total"),
		RecordsWritten: expvar.NewInt("store_records_written_total"),
	})
	if err != nil {
		return fmt.Errorf("failed to open page store: %w", err)
	}
	defer s.Close()

	hm := hooks.NewHookManager(logger)
	defer hm.Stop()
	if err := registerListeners(hm, cfg, logger); err != nil {
		return err
	}

	treeOpts := pagetree.OptionsFromConfig(cfg.Tree)
	treeOpts.Logger = logger
	treeOpts.TracerProvider = tp
	treeOpts.Hooks = hm

	monitor := pipeline.NewMonitor()
	qopts := pipeline.QueryOptionsFromConfig(cfg.Pipeline)
	qopts.Logger = logger
	qopts.TracerProvider = tp
	qopts.Hooks = hm
	qopts.Monitor = monitor

	if checkpoint.IsNull() {
		if checkpoint, err = load(ctx, s, cfg, treeOpts, qopts, rows, logger); err != nil {
			return fmt.Errorf("load failed: %w", err)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, config.ParseDuration(cfg.Pipeline.TaskTimeout, 10*time.Second, logger))
	defer cancel()
	out, q, err := query(qctx, s, checkpoint, cfg, treeOpts, qopts, offset, limit)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	for _, bs := range out {
		fmt.Println(string(bs[pipeline.DefaultKeyVar]))
	}
	for _, r := range q.Results() {
		logger.Info("Stage finished", "bop_id", r.BopID, "op", r.Op, "outcome", r.Outcome.String(), "units_in", r.Stats.UnitsIn, "units_out", r.Stats.UnitsOut, "duration", r.Duration)
	}
	for _, op := range monitor.Ops() {
		logger.Info("Stage latency", "op", op, "count", monitor.Count(op), "p50", monitor.Quantile(op, 0.5), "p99", monitor.Quantile(op, 0.99))
	}
	logger.Info("Query finished", "query_id", q.ID(), "checkpoint", checkpoint, "rows", len(out), "halted", q.Halted())
	return nil
}
