// Package election assigns the SERVER and CLIENT roles to a bonded pair.
// The node with more remaining capacity serves time; ties break on the
// lower stable node ID so both sides reach the same verdict without a
// coordinator.
package election

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/metrics"
	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/power"
)

// Config holds role election configuration
type Config struct {
	HandoffThreshold uint8
	SurvivorTimeout  time.Duration
	DecisionTimeout  time.Duration
}

// Deps are the collaborators the elector drives.
type Deps struct {
	// Capacity returns the local capacity metric.
	Capacity func() uint8
	// Announce broadcasts an election announcement with the given
	// capacity. The sentinel capacity signals abdication.
	Announce func(ctx context.Context, capacity uint8)
	// SetSoliciting flips the discoverable bit; it must return only
	// after the new state is published.
	SetSoliciting func(bool) error
	// OnRole is invoked after every committed role transition.
	OnRole func(model.Role)
}

// Elector runs the role state machine. Transitions:
//
//	UNDECIDED --peer announcement, we win--> SERVER
//	UNDECIDED --peer announcement, we lose--> WAITING --stop advertising--> CLIENT
//	UNDECIDED --decision timeout, no peer--> SERVER
//	CLIENT    --peer silent past survivor timeout--> SERVER
//	SERVER    --capacity below handoff threshold--> abdicating --we lose--> CLIENT
//
// WAITING exists so a node never accepts inbound connections after it has
// conceded: the discoverable bit is cleared before CLIENT is committed,
// and a failure to clear it keeps the node in WAITING.
type Elector struct {
	cfg    Config
	nodeID string
	deps   Deps
	m      *metrics.Metrics
	logger *zap.Logger

	mu           sync.Mutex
	role         model.Role
	waiting      bool
	abdicating   bool
	peerID       string
	peerCapacity uint8
	peerSeen     time.Time
	lastAnnounce time.Time
	started      time.Time

	events chan model.DiagEvent
}

// NewElector creates the elector in the UNDECIDED role.
func NewElector(cfg Config, nodeID string, deps Deps, m *metrics.Metrics, logger *zap.Logger) *Elector {
	return &Elector{
		cfg:    cfg,
		nodeID: nodeID,
		deps:   deps,
		m:      m,
		logger: logger,
		role:   model.RoleUndecided,
		events: make(chan model.DiagEvent, 8),
	}
}

// Decide returns the role the local node takes against the peer. Both
// nodes evaluate this with swapped arguments and reach opposite verdicts:
// higher capacity serves, the sentinel capacity always concedes, and a
// tie falls to the lexically lower node ID.
func Decide(local, peer model.NodeInfo) model.Role {
	switch {
	case local.Capacity == power.SentinelCapacity && peer.Capacity == power.SentinelCapacity:
		// Both abdicating; identity decides.
	case local.Capacity == power.SentinelCapacity:
		return model.RoleClient
	case peer.Capacity == power.SentinelCapacity:
		return model.RoleServer
	case local.Capacity > peer.Capacity:
		return model.RoleServer
	case local.Capacity < peer.Capacity:
		return model.RoleClient
	}
	if local.ID < peer.ID {
		return model.RoleServer
	}
	return model.RoleClient
}

// Role returns the committed role.
func (e *Elector) Role() model.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Events exposes diagnostic events for logging and tests.
func (e *Elector) Events() <-chan model.DiagEvent { return e.events }

// Run drives the election loop until the context is cancelled.
func (e *Elector) Run(ctx context.Context) error {
	e.mu.Lock()
	e.started = time.Now()
	e.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.Lock()
	role := e.role
	peerSeen := e.peerSeen
	started := e.started
	e.mu.Unlock()

	switch role {
	case model.RoleUndecided:
		e.announce(ctx)
		if time.Since(started) > e.cfg.DecisionTimeout && peerSeen.IsZero() {
			// No peer responded; serve alone until one appears.
			e.commit(ctx, model.RoleServer, "no peer within decision timeout")
		}

	case model.RoleServer:
		e.checkHandoff(ctx)

	case model.RoleClient:
		if !peerSeen.IsZero() && time.Since(peerSeen) > e.cfg.SurvivorTimeout {
			e.logger.Warn("peer silent past survivor timeout, self-promoting",
				zap.Duration("timeout", e.cfg.SurvivorTimeout))
			e.commit(ctx, model.RoleServer, "survivor self-promotion")
			e.announce(ctx)
		}
	}
}

// HandleAnnouncement processes a peer's election frame. Called from the
// sync task's receive goroutine.
func (e *Elector) HandleAnnouncement(ctx context.Context, capacity uint8, nodeID string) {
	if nodeID == e.nodeID {
		return
	}
	e.mu.Lock()
	e.peerID = nodeID
	e.peerCapacity = capacity
	e.peerSeen = time.Now()
	localCap := e.deps.Capacity()
	if e.abdicating {
		localCap = power.SentinelCapacity
	}
	e.mu.Unlock()

	verdict := Decide(
		model.NodeInfo{ID: e.nodeID, Capacity: localCap},
		model.NodeInfo{ID: nodeID, Capacity: capacity},
	)

	// Answer so the peer can run the same comparison; rate-limited to
	// stop announcement ping-pong.
	e.announce(ctx)

	e.commit(ctx, verdict, "peer announcement")
}

// PeerClaimsServer reports evidence that the peer is acting as server
// while this node also holds the SERVER role. Generations are published
// only by servers, so receiving one from a foreign origin is the
// detection point. Both nodes drop to UNDECIDED and re-elect.
func (e *Elector) PeerClaimsServer(ctx context.Context, peerID string) {
	e.mu.Lock()
	if e.role != model.RoleServer {
		e.mu.Unlock()
		return
	}
	e.role = model.RoleUndecided
	e.mu.Unlock()

	e.logger.Warn("dual-server conflict detected, re-electing",
		zap.String("peer", peerID))
	e.emit(model.DiagRoleConflict, peerID, "both nodes acting as server")
	if e.m != nil {
		e.m.RoleConflicts.Inc()
	}
	if err := e.deps.SetSoliciting(true); err != nil {
		e.logger.Warn("failed to re-enable discovery", zap.Error(err))
	}
	// Re-election announcement is mandatory, rate limit does not apply.
	e.mu.Lock()
	e.lastAnnounce = time.Now()
	c := e.deps.Capacity()
	e.mu.Unlock()
	e.deps.Announce(ctx, c)
	if e.deps.OnRole != nil {
		e.deps.OnRole(model.RoleUndecided)
	}
}

// Touch records peer liveness from any traffic, not just election
// frames, so a healthy server that stops announcing is not abandoned.
func (e *Elector) Touch() {
	e.mu.Lock()
	e.peerSeen = time.Now()
	e.mu.Unlock()
}

// checkHandoff abdicates when local capacity falls below the handoff
// threshold and the peer is healthier. The abdication announcement
// carries the sentinel capacity, which loses every comparison.
func (e *Elector) checkHandoff(ctx context.Context) {
	e.mu.Lock()
	localCap := e.deps.Capacity()
	peerCap := e.peerCapacity
	peerKnown := e.peerID != ""
	already := e.abdicating
	if already || !peerKnown || localCap >= e.cfg.HandoffThreshold || peerCap < e.cfg.HandoffThreshold {
		e.mu.Unlock()
		return
	}
	e.abdicating = true
	e.mu.Unlock()

	e.logger.Info("capacity below handoff threshold, abdicating",
		zap.Uint8("capacity", localCap),
		zap.Uint8("peer_capacity", peerCap))
	e.announceCapacity(ctx, power.SentinelCapacity)
}

// commit applies a verdict, performing the stop-advertising handshake
// before a CLIENT role becomes visible.
func (e *Elector) commit(ctx context.Context, verdict model.Role, reason string) {
	e.mu.Lock()
	if e.role == verdict {
		e.mu.Unlock()
		return
	}
	prev := e.role
	if verdict == model.RoleClient {
		e.waiting = true
		e.mu.Unlock()
		// WAITING: concede discoverability first. If the push fails the
		// node stays in WAITING and the next announcement retries.
		if err := e.deps.SetSoliciting(false); err != nil {
			e.logger.Warn("failed to stop soliciting, staying in waiting state",
				zap.Error(err))
			return
		}
		e.mu.Lock()
		e.waiting = false
		e.role = model.RoleClient
		e.abdicating = false
		e.mu.Unlock()
	} else {
		e.role = verdict
		e.mu.Unlock()
		if verdict == model.RoleServer {
			if err := e.deps.SetSoliciting(true); err != nil {
				e.logger.Warn("failed to resume soliciting", zap.Error(err))
			}
		}
	}

	e.logger.Info("role transition",
		zap.String("from", prev.String()),
		zap.String("to", verdict.String()),
		zap.String("reason", reason))
	if e.m != nil {
		e.m.ElectionsRun.Inc()
		e.m.Role.Set(float64(verdict))
	}
	if e.deps.OnRole != nil {
		e.deps.OnRole(verdict)
	}
}

// Waiting reports whether the node is between conceding and committing
// CLIENT. Exposed for tests of the stop-advertising handshake.
func (e *Elector) Waiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting
}

func (e *Elector) announce(ctx context.Context) {
	e.mu.Lock()
	c := e.deps.Capacity()
	if e.abdicating {
		c = power.SentinelCapacity
	}
	e.mu.Unlock()
	e.announceCapacity(ctx, c)
}

func (e *Elector) announceCapacity(ctx context.Context, capacity uint8) {
	e.mu.Lock()
	if time.Since(e.lastAnnounce) < 500*time.Millisecond {
		e.mu.Unlock()
		return
	}
	e.lastAnnounce = time.Now()
	e.mu.Unlock()
	e.deps.Announce(ctx, capacity)
}

func (e *Elector) emit(kind model.DiagKind, nodeID, detail string) {
	ev := model.DiagEvent{Kind: kind, NodeID: nodeID, Detail: detail, At: time.Now()}
	select {
	case e.events <- ev:
	default:
	}
}
