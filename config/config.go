package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/emberstore/core"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects and tunes the page store backing a tree.
type StoreConfig struct {
	Kind           string `yaml:"kind"`             // "memory", "file" or "bolt"
	Path           string `yaml:"path"`             // file or bolt database path
	Compression    string `yaml:"compression"`      // "none", "snappy", "lz4", "zstd" (file store only)
	ReadCacheBytes int64  `yaml:"read_cache_bytes"` // 0 disables the file store read cache
	SyncWrites     bool   `yaml:"sync_writes"`
	LockTimeout    string `yaml:"lock_timeout"`
}

// TreeConfig holds page tree and retention queue settings.
type TreeConfig struct {
	AddressBits        int    `yaml:"address_bits"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	QueueScan          int    `yaml:"queue_scan"`
	RawRecords         bool   `yaml:"raw_records"`
	MaxRecLen          int    `yaml:"max_rec_len"`
	CheckpointInterval string `yaml:"checkpoint_interval"`
}

// PipelineConfig holds operator pipeline settings.
type PipelineConfig struct {
	BufferCapacity int    `yaml:"buffer_capacity"` // chunks per inter-stage buffer
	ChunkCapacity  int    `yaml:"chunk_capacity"`  // records per chunk produced by source operators
	MaxParallel    int    `yaml:"max_parallel"`
	TaskTimeout    string `yaml:"task_timeout"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	PProfEnabled   bool   `yaml:"pprof_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	// SystemInterval is how often host CPU, memory and disk usage are sampled.
	SystemInterval string `yaml:"system_interval"`
}

// Config is the top-level configuration struct.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Tree     TreeConfig     `yaml:"tree"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Debug    DebugConfig    `yaml:"debug"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Kind:           "file",
			Path:           "./data/pages.emb",
			Compression:    "snappy",
			ReadCacheBytes: 16 * 1024 * 1024, // 16 MiB
			SyncWrites:     false,
			LockTimeout:    "2s",
		},
		Tree: TreeConfig{
			AddressBits:        10,
			QueueCapacity:      500,
			QueueScan:          10,
			RawRecords:         true,
			MaxRecLen:          256,
			CheckpointInterval: "30s",
		},
		Pipeline: PipelineConfig{
			BufferCapacity: 16,
			ChunkCapacity:  100,
			MaxParallel:    4,
			TaskTimeout:    "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "emberstore.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:        false,
			ListenAddress:  "127.0.0.1:6060",
			PProfEnabled:   true,
			MetricsEnabled: true,
			SystemInterval: "5s",
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Validate rejects settings that would otherwise surface as failures deep
// inside the tree or pipeline.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Kind) {
	case "memory", "file", "bolt":
	default:
		return core.NewValidationError("store.kind", c.Store.Kind, "must be memory, file or bolt")
	}
	if c.Store.Kind != "memory" && c.Store.Path == "" {
		return core.NewValidationError("store.path", c.Store.Path, "required for durable stores")
	}
	if _, err := core.ParseCompressionType(c.Store.Compression); err != nil {
		return core.NewValidationError("store.compression", c.Store.Compression, err.Error())
	}
	if c.Store.ReadCacheBytes < 0 {
		return core.NewValidationError("store.read_cache_bytes", c.Store.ReadCacheBytes, "must not be negative")
	}
	if c.Tree.AddressBits < 1 || c.Tree.AddressBits > 16 {
		return core.NewValidationError("tree.address_bits", c.Tree.AddressBits, "must be in [1,16]")
	}
	if c.Tree.QueueCapacity < 2 {
		return core.NewValidationError("tree.queue_capacity", c.Tree.QueueCapacity, "must be at least 2")
	}
	if c.Tree.QueueScan < 0 || c.Tree.QueueScan > c.Tree.QueueCapacity {
		return core.NewValidationError("tree.queue_scan", c.Tree.QueueScan, "must be in [0,queue_capacity]")
	}
	if c.Tree.MaxRecLen <= 0 {
		return core.NewValidationError("tree.max_rec_len", c.Tree.MaxRecLen, "must be positive")
	}
	if c.Pipeline.BufferCapacity <= 0 {
		return core.NewValidationError("pipeline.buffer_capacity", c.Pipeline.BufferCapacity, "must be positive")
	}
	if c.Pipeline.ChunkCapacity <= 0 {
		return core.NewValidationError("pipeline.chunk_capacity", c.Pipeline.ChunkCapacity, "must be positive")
	}
	if c.Pipeline.MaxParallel <= 0 {
		return core.NewValidationError("pipeline.max_parallel", c.Pipeline.MaxParallel, "must be positive")
	}
	if c.Debug.Enabled && c.Debug.ListenAddress == "" {
		return core.NewValidationError("debug.listen_address", c.Debug.ListenAddress, "required when debug is enabled")
	}
	return nil
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
