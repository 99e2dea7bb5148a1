package server

import (
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	systemMetricsOnce sync.Once
	cpuUsagePercent   *expvar.Float
	memUsagePercent   *expvar.Float
	diskUsagePercent  *expvar.Float
)

func initSystemMetrics() {
	systemMetricsOnce.Do(func() {
		cpuUsagePercent = expvar.NewFloat("system_cpu_usage_percent")
		memUsagePercent = expvar.NewFloat("system_mem_usage_percent")
		diskUsagePercent = expvar.NewFloat("system_disk_usage_percent")
	})
}

// SystemCollector periodically samples host CPU, memory and disk usage and
// publishes them via expvar. diskPath should be the directory holding the
// page store.
type SystemCollector struct {
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	initSystemMetrics()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &SystemCollector{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Sample CPU over most of the tick so the next tick is not delayed.
			if pct, err := cpu.Percent(sc.interval-time.Second, false); err == nil && len(pct) > 0 {
				cpuUsagePercent.Set(pct[0])
			}
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

// collect samples memory and disk usage once.
func (sc *SystemCollector) collect() {
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	} else {
		sc.logger.Debug("Failed to sample memory usage", "error", err)
	}
	if sc.diskPath == "" {
		return
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		diskUsagePercent.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Failed to sample disk usage", "path", sc.diskPath, "error", err)
	}
}
