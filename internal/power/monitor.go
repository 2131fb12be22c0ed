// Package power provides the capacity metric that feeds role election
// and the beacon quality field. On real hardware this is a battery
// monitor; the daemon ships a config-seeded model with a linear drain.
package power

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/metrics"
)

// Capacity thresholds shared with the elector.
const (
	// SentinelCapacity is the abdication signal: a server whose capacity
	// degraded below the handoff threshold advertises this value so
	// peers re-run the election.
	SentinelCapacity uint8 = 0
)

// Monitor exposes the remaining energy budget as a 0-100 metric.
type Monitor interface {
	// Capacity returns the current energy budget. Safe from any task.
	Capacity() uint8
	// Start runs periodic updates until the context is cancelled.
	Start(ctx context.Context)
}

// ModelConfig holds the simulated battery configuration
type ModelConfig struct {
	InitialCapacity uint8
	DrainPerHour    uint8
	ReadInterval    time.Duration
}

// ModelMonitor drains linearly from the configured starting capacity,
// approximating a LiPo percentage curve well enough for role handoff.
type ModelMonitor struct {
	cfg      ModelConfig
	m        *metrics.Metrics
	logger   *zap.Logger
	started  time.Time
	capacity atomic.Uint32
}

// NewModelMonitor creates a monitor seeded from configuration. metrics
// may be nil.
func NewModelMonitor(cfg ModelConfig, m *metrics.Metrics, logger *zap.Logger) *ModelMonitor {
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = 10 * time.Second
	}
	mm := &ModelMonitor{cfg: cfg, m: m, logger: logger, started: time.Now()}
	mm.capacity.Store(uint32(cfg.InitialCapacity))
	return mm
}

// Capacity implements Monitor.
func (m *ModelMonitor) Capacity() uint8 {
	return uint8(m.capacity.Load())
}

// Start implements Monitor.
func (m *ModelMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.update()
		case <-ctx.Done():
			return
		}
	}
}

func (m *ModelMonitor) update() {
	drained := float64(m.cfg.DrainPerHour) * time.Since(m.started).Hours()
	remaining := float64(m.cfg.InitialCapacity) - drained
	if remaining < 0 {
		remaining = 0
	}
	m.capacity.Store(uint32(remaining))
	if m.m != nil {
		m.m.CapacityPercent.Set(remaining)
	}
}

// Set overrides the capacity; used by tests and by handoff to publish
// the sentinel.
func (m *ModelMonitor) Set(capacity uint8) {
	m.capacity.Store(uint32(capacity))
	if m.m != nil {
		m.m.CapacityPercent.Set(float64(capacity))
	}
}
