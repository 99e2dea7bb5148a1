package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/emberstore/config"
	"github.com/INLOpen/emberstore/core"
)

// Open builds the PageStore described by cfg.
func Open(cfg config.StoreConfig, logger *slog.Logger, metrics Metrics) (PageStore, error) {
	switch strings.ToLower(cfg.Kind) {
	case "memory":
		s := NewMemStore()
		s.counters.metrics = metrics
		return s, nil
	case "file":
		ct, err := core.ParseCompressionType(cfg.Compression)
		if err != nil {
			return nil, core.NewValidationError("store.compression", cfg.Compression, err.Error())
		}
		return OpenFileStore(FileStoreOptions{
			Path:           cfg.Path,
			Compression:    ct,
			ReadCacheBytes: cfg.ReadCacheBytes,
			SyncWrites:     cfg.SyncWrites,
			LockTimeout:    config.ParseDuration(cfg.LockTimeout, 2*time.Second, logger),
			Logger:         logger,
			Metrics:        metrics,
		})
	case "bolt":
		return OpenBoltStore(BoltStoreOptions{
			Path:        cfg.Path,
			LockTimeout: config.ParseDuration(cfg.LockTimeout, 2*time.Second, logger),
			NoSync:      !cfg.SyncWrites,
			Logger:      logger,
			Metrics:     metrics,
		})
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
