// Package coordinator owns the pattern clock: the (born_at, cycle)
// generation both nodes derive their pulse schedule from. Only the
// elected server mutates it; every mutation produces a new generation
// that is stored atomically and broadcast whole.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/metrics"
	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/wire"
)

// Deps are the collaborators the coordinator talks to.
type Deps struct {
	// Now returns the synchronized time in microseconds.
	Now func() int64
	// Role returns the committed election role.
	Role func() model.Role
	// Broadcast sends an encoded frame to every peer.
	Broadcast func(ctx context.Context, payload []byte)
	// OnForeignServer reports a generation arriving from another origin
	// while this node is server, the dual-server detection point.
	OnForeignServer func(ctx context.Context, peerID string)
}

// Coordinator publishes and adopts pattern-clock generations. The
// current generation lives behind an atomic pointer so the output task
// reads it without locking; seq bookkeeping is mutex-guarded because
// publish and adopt race.
type Coordinator struct {
	nodeID string
	deps   Deps
	m      *metrics.Metrics
	logger *zap.Logger

	gen atomic.Pointer[model.Generation]

	mu      sync.Mutex
	lastSeq uint32

	// OnGeneration, when set, is called after every committed
	// generation change. The output task hooks this to resynchronize.
	OnGeneration func(model.Generation)
}

// New creates a coordinator with no generation; the output task stays
// idle until the first publish or adoption.
func New(nodeID string, deps Deps, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		nodeID: nodeID,
		deps:   deps,
		m:      m,
		logger: logger,
	}
	c.gen.Store(&model.Generation{})
	return c
}

// Current returns the generation in effect. The zero generation means
// none has been established yet.
func (c *Coordinator) Current() model.Generation {
	return *c.gen.Load()
}

// SetCycle establishes a new cycle period. Server-only: clients receive
// generations, they never mint them.
func (c *Coordinator) SetCycle(ctx context.Context, cycle time.Duration) error {
	if role := c.deps.Role(); role != model.RoleServer {
		return errors.NotServer(role.String())
	}
	if cycle <= 0 {
		return errors.InvalidArgument("cycle must be positive", nil)
	}

	c.mu.Lock()
	c.lastSeq++
	g := model.Generation{
		Seq:          c.lastSeq,
		BornAtMicros: c.deps.Now(),
		CycleMicros:  cycle.Microseconds(),
		Origin:       c.nodeID,
	}
	c.gen.Store(&g)
	c.mu.Unlock()

	c.logger.Info("published pattern generation",
		zap.Uint32("seq", g.Seq),
		zap.Int64("born_at_us", g.BornAtMicros),
		zap.Int64("cycle_us", g.CycleMicros))
	if c.m != nil {
		c.m.GenerationsPublished.Inc()
	}

	c.broadcast(ctx, g)
	c.committed(g)
	return nil
}

// Rebroadcast resends the current generation, used when a peer rejoins
// or after an election settles.
func (c *Coordinator) Rebroadcast(ctx context.Context) {
	g := c.Current()
	if !g.Valid() {
		return
	}
	if c.deps.Role() != model.RoleServer {
		return
	}
	c.broadcast(ctx, g)
}

// Adopt installs a generation received from the peer. Sequence numbers
// not newer than the last seen are rejected so a delayed rebroadcast can
// never roll the pattern clock backward. A foreign-origin generation
// arriving while this node is server triggers conflict handling instead
// of adoption; the surviving server's next publish wins.
func (c *Coordinator) Adopt(ctx context.Context, g model.Generation) error {
	if !g.Valid() {
		return errors.InvalidArgument("generation is not usable", nil)
	}

	if g.Origin != c.nodeID && c.deps.Role() == model.RoleServer {
		if c.deps.OnForeignServer != nil {
			c.deps.OnForeignServer(ctx, g.Origin)
		}
		return errors.RoleConflict(c.nodeID, g.Origin)
	}

	c.mu.Lock()
	if g.Seq <= c.lastSeq {
		last := c.lastSeq
		c.mu.Unlock()
		if c.m != nil {
			c.m.StaleGenerations.Inc()
		}
		return errors.StaleGeneration(g.Seq, last)
	}
	c.lastSeq = g.Seq
	c.gen.Store(&g)
	c.mu.Unlock()

	c.logger.Info("adopted pattern generation",
		zap.Uint32("seq", g.Seq),
		zap.String("origin", g.Origin),
		zap.Int64("cycle_us", g.CycleMicros))
	if c.m != nil {
		c.m.GenerationsAdopted.Inc()
	}

	c.committed(g)
	return nil
}

// NextEpoch returns the synchronized time of the next cycle boundary at
// or after now. Both nodes compute this from the same generation and
// agree exactly.
func (c *Coordinator) NextEpoch(nowMicros int64) (int64, bool) {
	g := c.Current()
	if !g.Valid() {
		return 0, false
	}
	epoch := g.EpochMicros()
	if nowMicros >= epoch {
		// Boundaries sit on the cycle grid; jump straight to the next one.
		epoch = ((nowMicros / g.CycleMicros) + 1) * g.CycleMicros
	}
	return epoch, true
}

func (c *Coordinator) broadcast(ctx context.Context, g model.Generation) {
	payload, err := wire.EncodeGeneration(g)
	if err != nil {
		c.logger.Error("failed to encode generation", zap.Error(err))
		return
	}
	c.deps.Broadcast(ctx, payload)
}

func (c *Coordinator) committed(g model.Generation) {
	if c.OnGeneration != nil {
		c.OnGeneration(g)
	}
}
