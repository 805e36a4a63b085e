// Package monitor samples runtime memory at a fixed cadence and warns when
// the heap grows past the configured threshold.
package monitor

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/logging"
)

// Monitor periodically logs memory statistics.
type Monitor struct {
	cfg config.MonitorConfig
}

// New creates a memory monitor.
func New(cfg config.MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LeakThresholdMB == 0 {
		cfg.LeakThresholdMB = 512
	}
	return &Monitor{cfg: cfg}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapMB := ms.HeapAlloc / (1 << 20)
	fields := []zap.Field{
		zap.Uint64("heapAllocMB", heapMB),
		zap.Uint64("sysMB", ms.Sys/(1<<20)),
		zap.Uint32("numGC", ms.NumGC),
		zap.Int("goroutines", runtime.NumGoroutine()),
	}
	if heapMB > m.cfg.LeakThresholdMB {
		logging.Warn("heap above leak threshold", fields...)
		return
	}
	logging.Debug("memory sample", fields...)
}
