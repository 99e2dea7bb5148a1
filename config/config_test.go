package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/emberstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
store:
  kind: bolt
  path: "/tmp/test_data/pages.bolt"
tree:
  address_bits: 4
  queue_capacity: 20 # Override default of 500
pipeline:
  chunk_capacity: 7
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "bolt", cfg.Store.Kind)
	assert.Equal(t, "/tmp/test_data/pages.bolt", cfg.Store.Path)
	assert.Equal(t, 4, cfg.Tree.AddressBits)
	assert.Equal(t, 20, cfg.Tree.QueueCapacity)
	assert.Equal(t, 7, cfg.Pipeline.ChunkCapacity)

	// Check defaults that were not overridden
	assert.Equal(t, 10, cfg.Tree.QueueScan)
	assert.Equal(t, "snappy", cfg.Store.Compression)
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 500, cfg.Tree.QueueCapacity)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Tree.QueueCapacity)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
tree:
  address_bits: 4
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"QueueCapacityOne", "tree:\n  queue_capacity: 1\n  queue_scan: 1\n", "tree.queue_capacity"},
		{"AddressBitsZero", "tree:\n  address_bits: 0\n", "tree.address_bits"},
		{"AddressBitsTooLarge", "tree:\n  address_bits: 17\n", "tree.address_bits"},
		{"ScanAboveCapacity", "tree:\n  queue_capacity: 4\n  queue_scan: 5\n", "tree.queue_scan"},
		{"UnknownStore", "store:\n  kind: tape\n", "store.kind"},
		{"UnknownCompression", "store:\n  compression: brotli\n", "store.compression"},
		{"DurableWithoutPath", "store:\n  kind: file\n  path: \"\"\n", "store.path"},
		{"ZeroChunkCapacity", "pipeline:\n  chunk_capacity: 0\n", "pipeline.chunk_capacity"},
		{"DebugWithoutAddress", "debug:\n  enabled: true\n  listen_address: \"\"\n", "debug.listen_address"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			require.True(t, core.IsValidationError(err), "expected validation error, got %v", err)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
store:
  kind: memory
`
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Kind)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "file", cfg.Store.Kind)
	})
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}
