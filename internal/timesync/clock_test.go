package timesync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/timesync"
)

func newTestClock(t *testing.T, cycleIdle func() bool) *timesync.Clock {
	t.Helper()
	return timesync.NewClock(timesync.ClockConfig{
		RegressionWindow: 12,
		SlewRatePPM:      500,
		StepThresholdUs:  50_000,
	}, cycleIdle, zap.NewNop())
}

func TestClock_InitialAcquisitionSteps(t *testing.T) {
	c := newTestClock(t, nil)

	c.ApplySample(model.OffsetSample{OffsetMicros: 250_000, LocalMicros: c.LocalMicros()})
	assert.Equal(t, int64(250_000), c.OffsetMicros())
	assert.True(t, c.Acquired())

	// The full correction is visible immediately, no slew ramp.
	now := c.Now()
	assert.InDelta(t, float64(c.LocalMicros()+250_000), float64(now), 5_000)
}

// Now must never run backward, even when the correction is negative.
func TestClock_MonotoneUnderNegativeCorrection(t *testing.T) {
	c := newTestClock(t, nil)

	c.ApplySample(model.OffsetSample{OffsetMicros: 100_000, LocalMicros: c.LocalMicros()})
	prev := c.Now()

	// Pull the target 30ms back; the clock has to slew, not jump.
	c.ApplySample(model.OffsetSample{OffsetMicros: 70_000, LocalMicros: c.LocalMicros()})

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		now := c.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestClock_LargeCorrectionSlewsWhilePulsing(t *testing.T) {
	c := newTestClock(t, func() bool { return false })

	c.ApplySample(model.OffsetSample{OffsetMicros: 0, LocalMicros: c.LocalMicros()})
	stepped := c.ApplySample(model.OffsetSample{OffsetMicros: 200_000, LocalMicros: c.LocalMicros()})
	assert.False(t, stepped)

	// At 500ppm the applied offset cannot have moved more than ~1us in
	// this test's lifetime; Now still reflects essentially zero offset.
	now := c.Now()
	assert.InDelta(t, float64(c.LocalMicros()), float64(now), 10_000)
}

func TestClock_LargeCorrectionStepsWhenIdle(t *testing.T) {
	c := newTestClock(t, func() bool { return true })

	c.ApplySample(model.OffsetSample{OffsetMicros: 0, LocalMicros: c.LocalMicros()})
	stepped := c.ApplySample(model.OffsetSample{OffsetMicros: 200_000, LocalMicros: c.LocalMicros()})
	assert.True(t, stepped)
	assert.Equal(t, int64(200_000), c.OffsetMicros())
}

func TestClock_SmallCorrectionNeverSteps(t *testing.T) {
	c := newTestClock(t, func() bool { return true })

	c.ApplySample(model.OffsetSample{OffsetMicros: 0, LocalMicros: c.LocalMicros()})
	stepped := c.ApplySample(model.OffsetSample{OffsetMicros: 10_000, LocalMicros: c.LocalMicros()})
	assert.False(t, stepped)
}

// Mid-slew, Predict must report the timescale Now actually serves, not
// the target offset the slew has yet to reach.
func TestClock_PredictMatchesNowMidSlew(t *testing.T) {
	c := newTestClock(t, func() bool { return false })

	c.ApplySample(model.OffsetSample{OffsetMicros: 0, LocalMicros: c.LocalMicros()})
	// 40ms outstanding correction, below the step threshold, so the
	// clock slews at 500ppm and the applied offset is still near zero.
	c.ApplySample(model.OffsetSample{OffsetMicros: 40_000, LocalMicros: c.LocalMicros()})

	at := c.LocalMicros()
	predicted := c.Predict(at)
	now := c.Now()
	assert.Less(t, abs64(predicted-now), int64(1_000),
		"prediction diverged from the served timescale by the unapplied correction")
}

func TestClock_DriftRegression(t *testing.T) {
	c := newTestClock(t, nil)

	// Offset grows 100us per second of local time: 100ppm = 100000ppb.
	base := c.LocalMicros()
	for i := 0; i < 8; i++ {
		c.ApplySample(model.OffsetSample{
			OffsetMicros: int64(i) * 100,
			LocalMicros:  base + int64(i)*1_000_000,
		})
	}
	assert.InDelta(t, 100_000, float64(c.DriftRatePPB()), 1_000)
}

func TestClock_PredictExtrapolatesDrift(t *testing.T) {
	c := newTestClock(t, nil)

	base := c.LocalMicros()
	for i := 0; i < 8; i++ {
		c.ApplySample(model.OffsetSample{
			OffsetMicros: int64(i) * 100,
			LocalMicros:  base + int64(i)*1_000_000,
		})
	}
	last := base + 7*1_000_000
	target := c.OffsetMicros()

	// Ten seconds past the last sample the drift adds ~1000us.
	at := last + 10_000_000
	predicted := c.Predict(at)
	assert.InDelta(t, float64(at+target+1_000), float64(predicted), 50)
}
