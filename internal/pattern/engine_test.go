package pattern_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/pattern"
)

// recordingActuator captures the synchronized time of each pulse.
type recordingActuator struct {
	mu     sync.Mutex
	now    func() int64
	pulses []int64
	widths []time.Duration
}

func (a *recordingActuator) Pulse(ctx context.Context, d time.Duration) error {
	a.mu.Lock()
	a.pulses = append(a.pulses, a.now())
	a.widths = append(a.widths, d)
	a.mu.Unlock()
	return nil
}

func (a *recordingActuator) snapshot() ([]int64, []time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.pulses...), append([]time.Duration(nil), a.widths...)
}

type fixture struct {
	engine   *pattern.Engine
	actuator *recordingActuator
	role     func() model.Role

	start   time.Time
	cycleUs int64
	born    int64
}

// newFixture drives the engine against a synthetic synchronized clock
// anchored at test start, with a 200ms cycle.
func newFixture(t *testing.T, role model.Role) *fixture {
	t.Helper()
	f := &fixture{
		start:   time.Now(),
		cycleUs: 200_000,
		born:    50_000,
	}
	now := func() int64 { return time.Since(f.start).Microseconds() }
	f.actuator = &recordingActuator{now: now}
	f.role = func() model.Role { return role }

	gen := model.Generation{Seq: 1, BornAtMicros: f.born, CycleMicros: f.cycleUs, Origin: "x"}
	f.engine = pattern.NewEngine(pattern.Config{DutyPercent: 40}, f.actuator, pattern.Deps{
		Now:  now,
		Role: f.role,
		NextEpoch: func(nowUs int64) (int64, bool) {
			epoch := gen.EpochMicros()
			if nowUs >= epoch {
				epoch = ((nowUs / f.cycleUs) + 1) * f.cycleUs
			}
			return epoch, true
		},
		Cycle: func() int64 { return f.cycleUs },
	}, nil, zap.NewNop())
	return f
}

func phases(pulses []int64, cycleUs int64) []int64 {
	out := make([]int64, len(pulses))
	for i, p := range pulses {
		out[i] = p % cycleUs
	}
	return out
}

func TestEngine_ServerPulsesOnBoundary(t *testing.T) {
	f := newFixture(t, model.RoleServer)

	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()
	_ = f.engine.Run(ctx)

	pulses, widths := f.actuator.snapshot()
	require.GreaterOrEqual(t, len(pulses), 2)

	// 40% duty of the 100ms half-cycle.
	assert.Equal(t, 40*time.Millisecond, widths[0])

	// Server pulses sit near the cycle boundary (phase ~0), with slack
	// for scheduler jitter.
	for _, ph := range phases(pulses, f.cycleUs) {
		if ph > f.cycleUs/2 {
			ph -= f.cycleUs
		}
		assert.InDelta(t, 0, float64(ph), 60_000)
	}
}

func TestEngine_ClientPulsesInAntiphase(t *testing.T) {
	f := newFixture(t, model.RoleClient)

	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()
	_ = f.engine.Run(ctx)

	pulses, _ := f.actuator.snapshot()
	require.GreaterOrEqual(t, len(pulses), 2)

	// Client pulses sit near the half-cycle point.
	for _, ph := range phases(pulses, f.cycleUs) {
		assert.InDelta(t, float64(f.cycleUs/2), float64(ph), 60_000)
	}
}

func TestEngine_UndecidedRoleStaysSilent(t *testing.T) {
	f := newFixture(t, model.RoleUndecided)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = f.engine.Run(ctx)

	pulses, _ := f.actuator.snapshot()
	assert.Empty(t, pulses)
}

func TestEngine_HaltStopsOutput(t *testing.T) {
	f := newFixture(t, model.RoleServer)
	f.engine.Halt()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = f.engine.Run(ctx)

	pulses, _ := f.actuator.snapshot()
	assert.Empty(t, pulses)
}

func TestEngine_ResumeRestartsOutput(t *testing.T) {
	f := newFixture(t, model.RoleServer)
	f.engine.Halt()

	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(200 * time.Millisecond)
		f.engine.Resume()
	}()
	_ = f.engine.Run(ctx)

	pulses, _ := f.actuator.snapshot()
	assert.NotEmpty(t, pulses)
}

func TestEngine_CycleIdleDuringPulse(t *testing.T) {
	f := newFixture(t, model.RoleServer)
	require.True(t, f.engine.CycleIdle())

	blocking := &blockingActuator{entered: make(chan struct{}), release: make(chan struct{})}
	engine := pattern.NewEngine(pattern.Config{DutyPercent: 40}, blocking, pattern.Deps{
		Now:       func() int64 { return time.Since(f.start).Microseconds() },
		Role:      f.role,
		NextEpoch: func(nowUs int64) (int64, bool) { return nowUs + 1000, true },
		Cycle:     func() int64 { return f.cycleUs },
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	<-blocking.entered
	assert.False(t, engine.CycleIdle())
	close(blocking.release)

	assert.Eventually(t, engine.CycleIdle, time.Second, 5*time.Millisecond)
}

type blockingActuator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingActuator) Pulse(ctx context.Context, d time.Duration) error {
	a.once.Do(func() { close(a.entered) })
	select {
	case <-a.release:
	case <-ctx.Done():
	}
	return nil
}
