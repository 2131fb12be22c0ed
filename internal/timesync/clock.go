// Package timesync implements the time agreement core: offset estimation
// from round-trip exchanges, drift regression, quality-weighted adaptive
// resynchronization, and stratum-based source selection. The design goal
// is that synchronization degrades visibly instead of diverging silently.
package timesync

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/util"
)

// ClockConfig holds clock model configuration
type ClockConfig struct {
	RegressionWindow int   // accepted samples kept for drift regression
	SlewRatePPM      int64 // max offset correction slope while outputs run
	StepThresholdUs  int64 // corrections beyond this are discontinuities
}

// Clock owns the node's ClockState. It is mutated only by the sync task;
// every other task reads copy-out snapshots.
//
// Corrections are applied as a bounded slew: the returned synchronized
// time approaches the target offset at SlewRatePPM, so Now() is monotone
// non-decreasing even across large corrections. A step is taken only on
// initial acquisition or when the cycleIdle callback confirms no output
// pulse is in progress.
type Clock struct {
	cfg    ClockConfig
	logger *zap.Logger

	mu            sync.Mutex
	acquired      bool
	targetOffset  int64 // where the estimator wants us
	appliedOffset int64 // what Now() currently uses
	slewFromLocal int64 // local time the current slew started
	slewFromVal   int64 // applied offset at slew start
	lastSync      int64 // monotonicity guard
	driftPPB      int32
	samples       []model.OffsetSample
	lastSample    model.OffsetSample

	// cycleIdle reports whether the actuation layer is between pulses.
	// Steps are deferred while it returns false.
	cycleIdle func() bool
}

// NewClock creates a clock model. cycleIdle may be nil, in which case
// steps outside initial acquisition are always deferred to slewing.
func NewClock(cfg ClockConfig, cycleIdle func() bool, logger *zap.Logger) *Clock {
	if cfg.RegressionWindow < 2 {
		cfg.RegressionWindow = 12
	}
	if cfg.SlewRatePPM <= 0 {
		cfg.SlewRatePPM = 500
	}
	return &Clock{
		cfg:       cfg,
		logger:    logger,
		cycleIdle: cycleIdle,
		samples:   make([]model.OffsetSample, 0, cfg.RegressionWindow),
	}
}

// LocalMicros returns the raw monotonic local counter.
func (c *Clock) LocalMicros() int64 {
	return util.NowMicros()
}

// Now returns the synchronized time in microseconds. Guaranteed monotone
// non-decreasing across all correction patterns.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked(util.NowMicros())
}

func (c *Clock) nowLocked(local int64) int64 {
	c.advanceSlew(local)
	sync := local + c.appliedOffset
	if c.acquired {
		// Drift extrapolation keeps synchronized time honest between
		// samples and carries it through holdover.
		sync += (local - c.lastSample.LocalMicros) * int64(c.driftPPB) / 1_000_000_000
	}
	if sync < c.lastSync {
		sync = c.lastSync
	}
	c.lastSync = sync
	return sync
}

// advanceSlew moves appliedOffset toward targetOffset at the configured
// rate. The rate is far below 1e6 ppm, so local time always advances
// faster than a negative correction can retreat.
func (c *Clock) advanceSlew(local int64) {
	c.appliedOffset = c.offsetAt(local)
}

// offsetAt computes the slewed offset at the given local time without
// mutating state, so Predict reads the same timescale Now serves.
func (c *Clock) offsetAt(local int64) int64 {
	if c.appliedOffset == c.targetOffset {
		return c.appliedOffset
	}
	elapsed := local - c.slewFromLocal
	if elapsed < 0 {
		elapsed = 0
	}
	budget := elapsed * c.cfg.SlewRatePPM / 1_000_000
	delta := c.targetOffset - c.slewFromVal
	if delta > 0 {
		if budget >= delta {
			return c.targetOffset
		}
		return c.slewFromVal + budget
	}
	if budget >= -delta {
		return c.targetOffset
	}
	return c.slewFromVal - budget
}

// ApplySample feeds one accepted offset sample into the clock. Returns a
// discontinuity event when the correction exceeded the step threshold and
// was applied as an immediate step.
func (c *Clock) ApplySample(s model.OffsetSample) (stepped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta := s.OffsetMicros - c.targetOffset
	if delta < 0 {
		delta = -delta
	}

	switch {
	case !c.acquired:
		// Initial acquisition is the one permitted backward-free jump.
		c.acquired = true
		c.appliedOffset = s.OffsetMicros
		c.targetOffset = s.OffsetMicros
		c.slewFromVal = s.OffsetMicros
		c.slewFromLocal = s.LocalMicros
	case delta > c.cfg.StepThresholdUs && c.cycleIdle != nil && c.cycleIdle():
		c.logger.Warn("clock discontinuity, stepping between pulses",
			zap.Int64("delta_us", s.OffsetMicros-c.targetOffset))
		c.appliedOffset = s.OffsetMicros
		c.targetOffset = s.OffsetMicros
		c.slewFromVal = s.OffsetMicros
		c.slewFromLocal = s.LocalMicros
		stepped = true
	default:
		// Re-anchor the slew at the current applied value.
		c.advanceSlew(s.LocalMicros)
		c.slewFromVal = c.appliedOffset
		c.slewFromLocal = s.LocalMicros
		c.targetOffset = s.OffsetMicros
	}

	c.lastSample = s
	c.samples = append(c.samples, s)
	if len(c.samples) > c.cfg.RegressionWindow {
		c.samples = c.samples[1:]
	}
	c.driftPPB = regressDrift(c.samples)
	return stepped
}

// Predict extrapolates the offset at a future local time using the drift
// rate. Used during holdover, between beacons, when no fresh samples
// arrive. Mid-slew it reports the slewed offset the clock will actually
// serve, not the target it has yet to reach.
func (c *Clock) Predict(atLocal int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := atLocal - c.lastSample.LocalMicros
	drift := elapsed * int64(c.driftPPB) / 1_000_000_000
	return atLocal + c.offsetAt(atLocal) + drift
}

// DriftRatePPB returns the current skew estimate.
func (c *Clock) DriftRatePPB() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driftPPB
}

// OffsetMicros returns the correction Now() is converging toward.
func (c *Clock) OffsetMicros() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetOffset
}

// Acquired reports whether at least one sample has been applied.
func (c *Clock) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// maxDriftPPB clamps the regression slope. Crystal oscillators skew tens
// of ppm at worst; a slope past this bound is measurement noise from
// closely spaced samples, not real drift.
const maxDriftPPB = 200_000

// regressDrift fits offset-vs-local-time by least squares and returns the
// slope in parts per billion. With fewer than two samples the drift is
// unknowable and reported as zero.
func regressDrift(samples []model.OffsetSample) int32 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for _, s := range samples {
		sumX += float64(s.LocalMicros)
		sumY += float64(s.OffsetMicros)
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var num, den float64
	for _, s := range samples {
		dx := float64(s.LocalMicros) - meanX
		num += dx * (float64(s.OffsetMicros) - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	ppb := num / den * 1e9
	if ppb > maxDriftPPB {
		ppb = maxDriftPPB
	}
	if ppb < -maxDriftPPB {
		ppb = -maxDriftPPB
	}
	return int32(ppb)
}
