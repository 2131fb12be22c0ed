// Package pattern turns the shared pattern clock into actuator pulses.
// The two nodes fire in antiphase: the server pulses on the cycle
// boundary, the client half a cycle later, so the felt pattern
// alternates sides without either node observing the other's output.
package pattern

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/metrics"
	"github.com/tactlink/tactlink/internal/model"
)

// Actuator drives the haptic output. Pulse blocks for the pulse
// duration; the engine owns the timing around it.
type Actuator interface {
	Pulse(ctx context.Context, d time.Duration) error
}

// LogActuator is the software stand-in for hardware output.
type LogActuator struct {
	Logger *zap.Logger
}

// Pulse implements Actuator
func (a *LogActuator) Pulse(ctx context.Context, d time.Duration) error {
	a.Logger.Info("pulse", zap.Duration("width", d))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config holds output pattern configuration
type Config struct {
	DutyPercent int
}

// Deps are the collaborators the output task reads. All are safe for
// concurrent use.
type Deps struct {
	// Now returns the synchronized time in microseconds.
	Now func() int64
	// Role returns the committed election role.
	Role func() model.Role
	// NextEpoch returns the next cycle boundary at or after the given
	// synchronized time, false while no generation is established.
	NextEpoch func(nowMicros int64) (int64, bool)
	// Cycle returns the current generation's cycle period in
	// microseconds, zero while none is established.
	Cycle func() int64
}

// Engine schedules pulses against the shared epoch grid. Its timer is
// cancellable: a generation change or a degraded indication preempts the
// pending sleep immediately rather than letting a stale deadline fire.
type Engine struct {
	cfg      Config
	actuator Actuator
	deps     Deps
	m        *metrics.Metrics
	logger   *zap.Logger

	pulsing atomic.Bool
	halted  atomic.Bool
	wakeCh  chan struct{}
}

// NewEngine creates the output engine.
func NewEngine(cfg Config, actuator Actuator, deps Deps, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		actuator: actuator,
		deps:     deps,
		m:        m,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// CycleIdle reports whether the engine is between pulses. The clock uses
// this to gate step corrections to moments nobody can feel.
func (e *Engine) CycleIdle() bool { return !e.pulsing.Load() }

// Wake preempts the pending sleep so the next deadline is recomputed
// from fresh state. Called on generation changes and role transitions.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Halt stops output until Resume. Fired by the degraded-connection
// indication: a node that cannot trust shared time must not guess at the
// alternation.
func (e *Engine) Halt() {
	if e.halted.CompareAndSwap(false, true) {
		e.logger.Warn("output halted on degraded indication")
		e.Wake()
	}
}

// Resume re-enables output after synchronization recovers.
func (e *Engine) Resume() {
	if e.halted.CompareAndSwap(true, false) {
		e.logger.Info("output resumed")
		e.Wake()
	}
}

// Run drives the pulse loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		fireAt, wait, ok := e.nextDeadline()
		if !ok {
			// No generation, no role, or halted: sleep until woken.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wakeCh:
			case <-time.After(time.Second):
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-e.wakeCh:
			// State changed under us; drop the stale deadline.
			if !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
		}

		e.firePulse(ctx, fireAt)
	}
}

// nextDeadline computes this node's next fire time on the shared grid.
func (e *Engine) nextDeadline() (fireAt int64, wait time.Duration, ok bool) {
	if e.halted.Load() {
		return 0, 0, false
	}
	role := e.deps.Role()
	if role == model.RoleUndecided {
		return 0, 0, false
	}
	now := e.deps.Now()
	epoch, ok := e.deps.NextEpoch(now)
	if !ok {
		return 0, 0, false
	}
	cycle := e.deps.Cycle()

	fireAt = epoch
	if role == model.RoleClient {
		// Antiphase: the client's slot is half a cycle behind the
		// boundary. The previous boundary's slot may still be ahead.
		half := cycle / 2
		fireAt = epoch - cycle + half
		if fireAt <= now {
			fireAt = epoch + half
		}
	}
	return fireAt, time.Duration(fireAt-now) * time.Microsecond, true
}

func (e *Engine) firePulse(ctx context.Context, fireAt int64) {
	cycle := e.deps.Cycle()
	if cycle <= 0 {
		return
	}
	width := time.Duration(cycle/2*int64(e.cfg.DutyPercent)/100) * time.Microsecond

	e.pulsing.Store(true)
	defer e.pulsing.Store(false)

	if e.m != nil {
		e.m.PulsesScheduled.Inc()
	}
	e.logger.Debug("firing pulse",
		zap.Int64("at_sync_us", fireAt),
		zap.Duration("width", width))
	if err := e.actuator.Pulse(ctx, width); err != nil && ctx.Err() == nil {
		e.logger.Warn("actuator pulse failed", zap.Error(err))
	}
}
