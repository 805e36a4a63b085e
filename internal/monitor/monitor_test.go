package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/transit/internal/config"
)

func TestNewDefaults(t *testing.T) {
	m := New(config.MonitorConfig{})
	if m.cfg.Interval != 30*time.Second {
		t.Fatalf("Interval = %v", m.cfg.Interval)
	}
	if m.cfg.LeakThresholdMB != 512 {
		t.Fatalf("LeakThresholdMB = %d", m.cfg.LeakThresholdMB)
	}

	m = New(config.MonitorConfig{Interval: time.Minute, LeakThresholdMB: 64})
	if m.cfg.Interval != time.Minute || m.cfg.LeakThresholdMB != 64 {
		t.Fatalf("cfg = %+v", m.cfg)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(config.MonitorConfig{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let a few samples happen
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return once the context is cancelled")
	}
}

func TestSampleDoesNotPanic(t *testing.T) {
	// Above-threshold and normal paths.
	New(config.MonitorConfig{LeakThresholdMB: 1}).sample()
	New(config.MonitorConfig{LeakThresholdMB: 1 << 20}).sample()
}
