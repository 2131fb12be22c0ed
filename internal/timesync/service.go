package timesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/metrics"
	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/transport"
	"github.com/tactlink/tactlink/internal/wire"
)

// ServiceConfig holds sync service configuration
type ServiceConfig struct {
	NodeID          string
	Clock           ClockConfig
	Selector        SelectorConfig
	MaxDelayUs      int64
	ExchangeTimeout time.Duration
	HoldoverCeiling time.Duration
}

// Deps are the collaborators the sync task talks to. All callbacks are
// invoked from the sync task's goroutines.
type Deps struct {
	// Peers returns the currently discovered peer set.
	Peers func() []model.NodeInfo
	// Capacity returns the local capacity metric (beacon quality field).
	Capacity func() uint8
	// CycleIdle reports whether the actuation layer is between pulses,
	// gating clock steps.
	CycleIdle func() bool
	// OnGeneration delivers a received pattern-clock generation.
	OnGeneration func(model.Generation)
	// OnElection delivers a received election announcement.
	OnElection func(capacity uint8, nodeID string)
	// OnDegraded fires once when holdover exceeds the configured
	// ceiling; the actuation layer decides whether to halt output.
	OnDegraded func()
	// OnRecovered fires when a sample is accepted after holdover,
	// undoing the degraded indication.
	OnRecovered func()
}

// Service is the periodic task driving beacon send/receive and running
// the offset estimator, quality trackers and source selector. It owns the
// clock state; other tasks read atomically published snapshots.
type Service struct {
	cfg    ServiceConfig
	deps   Deps
	tr     transport.Adapter
	clock  *Clock
	est    *Estimator
	m      *metrics.Metrics
	logger *zap.Logger

	// mu guards the selector and its trackers, which both loops touch.
	// It is never held across a blocking transport operation.
	mu  sync.Mutex
	sel *Selector

	snapshot atomic.Pointer[model.ClockSnapshot]
	events   chan model.DiagEvent
	respCh   chan syncResp

	degradedFired bool
}

type syncResp struct {
	from       string
	t1, t2, t3 int64
	t4         int64
}

// NewService wires the sync core together. metrics may be nil in tests.
func NewService(cfg ServiceConfig, tr transport.Adapter, deps Deps, m *metrics.Metrics, logger *zap.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		deps:   deps,
		tr:     tr,
		clock:  NewClock(cfg.Clock, deps.CycleIdle, logger),
		est:    NewEstimator(cfg.MaxDelayUs),
		sel:    NewSelector(cfg.Selector, logger),
		m:      m,
		logger: logger,
		events: make(chan model.DiagEvent, 32),
		respCh: make(chan syncResp, 4),
	}
	s.publish()
	return s
}

// Now returns the synchronized time in microseconds.
func (s *Service) Now() int64 { return s.clock.Now() }

// Predict extrapolates synchronized time for a future local time, used
// by consumers during holdover.
func (s *Service) Predict(atLocal int64) int64 { return s.clock.Predict(atLocal) }

// Snapshot returns the latest atomically published clock snapshot.
func (s *Service) Snapshot() model.ClockSnapshot { return *s.snapshot.Load() }

// Events exposes diagnostic events for logging and tests.
func (s *Service) Events() <-chan model.DiagEvent { return s.events }

// Broadcast sends a pre-encoded frame to every discovered peer. Used by
// the coordinator (generations) and the elector (announcements).
func (s *Service) Broadcast(ctx context.Context, payload []byte) {
	for _, p := range s.deps.Peers() {
		if p.ID == s.cfg.NodeID || p.SyncAddr == "" {
			continue
		}
		if _, err := s.tr.SendBeacon(ctx, p.SyncAddr, payload); err != nil {
			s.logger.Warn("broadcast send failed",
				zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// Run drives the receive loop and the adaptive scheduler until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.receiveLoop(ctx)
	return s.scheduleLoop(ctx)
}

// scheduleLoop sleeps for the adaptive interval, then emits a beacon and,
// when a trusted source exists, performs one round-trip exchange with it.
func (s *Service) scheduleLoop(ctx context.Context) error {
	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		s.emitBeacon(ctx)
		s.runExchange(ctx)
		s.checkHoldover()
		s.publish()
		timer.Reset(s.interval())
	}
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sel.Current(); ok {
		return time.Duration(s.sel.Tracker(id).IntervalMicros()) * time.Microsecond
	}
	// No source yet: advertise at the acquiring cadence.
	return time.Duration(s.cfg.Selector.Tracker.MinIntervalUs) * time.Microsecond
}

// emitBeacon broadcasts this node's view of time. Relayed time carries
// the source's hop count plus one; free-running nodes start a chain.
func (s *Service) emitBeacon(ctx context.Context) {
	s.mu.Lock()
	b := model.Beacon{
		Stratum:      s.sel.AdvertisedStratum(),
		Quality:      s.deps.Capacity(),
		EpochMicros:  uint64(s.clock.Now()),
		DriftRatePPB: s.clock.DriftRatePPB(),
	}
	if _, ok := s.sel.Current(); ok {
		hop := s.sel.CurrentBeacon().HopCount + 1
		if hop > model.MaxHopCount {
			s.mu.Unlock()
			return // propagation bound reached, do not relay further
		}
		b.HopCount = hop
	}
	s.mu.Unlock()

	s.Broadcast(ctx, wire.EncodeBeacon(b))
	if s.m != nil {
		s.m.BeaconsSent.Inc()
	}
}

// runExchange performs the 4-timestamp round trip with the trusted
// source. Timeouts and rejections are sample loss, not errors; three in a
// row demote the peer.
func (s *Service) runExchange(ctx context.Context) {
	s.mu.Lock()
	peerID, ok := s.sel.Current()
	s.mu.Unlock()
	if !ok {
		return
	}
	addr := s.addrFor(peerID)
	if addr == "" {
		return
	}

	// A response left over from a timed-out exchange must never satisfy a
	// later one; drop anything already queued before sending.
	s.drainResponses()

	reqT1 := s.clock.LocalMicros()
	t1, err := s.tr.SendBeacon(ctx, addr, wire.EncodeSyncReq(uint64(reqT1)))
	if err != nil {
		s.recordLoss(peerID)
		return
	}

	deadline := time.NewTimer(s.cfg.ExchangeTimeout)
	defer deadline.Stop()
	var resp syncResp
	for {
		select {
		case r := <-s.respCh:
			// Responses are matched by the echoed t1 and the sender, not
			// queue position: a late answer to an earlier request keeps
			// waiting for the real one.
			if r.t1 != reqT1 || r.from != addr {
				continue
			}
			resp = r
		case <-deadline.C:
			s.est.RecordTimeout(peerID)
			s.recordLoss(peerID)
			s.maybeDemote(peerID)
			return
		case <-ctx.Done():
			return
		}
		break
	}

	sample, err := s.est.Compute(peerID, t1, resp.t2, resp.t3, resp.t4)
	if err != nil {
		s.logger.Debug("sample rejected", zap.Error(err))
		if s.m != nil {
			s.m.SamplesRejected.Inc()
		}
		s.recordLoss(peerID)
		s.maybeDemote(peerID)
		return
	}

	if stepped := s.clock.ApplySample(sample); stepped {
		s.emit(model.DiagClockStep, peerID, "offset step applied between pulses")
	}

	s.mu.Lock()
	tr := s.sel.Tracker(peerID)
	wasHoldover := tr.State() == model.SyncHoldover
	tr.RecordSample(sample, s.clock.LocalMicros())
	score, intervalUs := tr.Score(), tr.IntervalMicros()
	s.mu.Unlock()
	s.degradedFired = false
	if wasHoldover {
		s.emit(model.DiagHoldoverExit, peerID, "sample accepted after silence, trust rebuilding")
		if s.deps.OnRecovered != nil {
			s.deps.OnRecovered()
		}
	}

	if s.m != nil {
		s.m.OffsetMicros.Set(float64(s.clock.OffsetMicros()))
		s.m.DriftRatePPB.Set(float64(s.clock.DriftRatePPB()))
		s.m.DelayMicros.Observe(float64(sample.DelayMicros))
		s.m.QualityScore.Set(float64(score))
		s.m.SyncIntervalSeconds.Set(float64(intervalUs) / 1e6)
	}
}

func (s *Service) drainResponses() {
	for {
		select {
		case <-s.respCh:
		default:
			return
		}
	}
}

func (s *Service) recordLoss(peerID string) {
	s.mu.Lock()
	s.sel.Tracker(peerID).RecordLoss(s.clock.LocalMicros())
	s.mu.Unlock()
	if s.m != nil {
		s.m.SamplesLost.Inc()
	}
}

func (s *Service) maybeDemote(peerID string) {
	if !s.est.Unreliable(peerID) {
		return
	}
	s.mu.Lock()
	if s.sel.Tracker(peerID).State() == model.SyncHoldover {
		// A silent source is holdover's problem; demotion is for peers
		// that answer with garbage.
		s.mu.Unlock()
		return
	}
	s.sel.MarkUnreliable(peerID)
	s.mu.Unlock()
	s.emit(model.DiagPeerUnreliable, peerID, "three consecutive failed exchanges")
}

func (s *Service) checkHoldover() {
	s.mu.Lock()
	peerID, ok := s.sel.Current()
	if !ok {
		s.mu.Unlock()
		return
	}
	tr := s.sel.Tracker(peerID)
	now := s.clock.LocalMicros()
	entered := tr.CheckHoldover(now)
	if entered {
		s.sel.EnterHoldover()
	}
	inHoldover := tr.State() == model.SyncHoldover
	since := tr.SinceAcceptMicros(now)
	s.mu.Unlock()

	if entered {
		s.emit(model.DiagHoldoverEnter, peerID, "no sample within 2x interval")
		if s.m != nil {
			s.m.HoldoverEvents.Inc()
		}
	}
	if inHoldover && since > s.cfg.HoldoverCeiling.Microseconds() && !s.degradedFired {
		s.degradedFired = true
		s.logger.Warn("holdover exceeded ceiling, surfacing degraded indication",
			zap.Int64("since_us", since))
		if s.deps.OnDegraded != nil {
			s.deps.OnDegraded()
		}
	}
}

// receiveLoop demultiplexes inbound frames: sync requests are answered
// inline with receive and reply-send timestamps, responses complete the
// pending exchange, beacons feed the source selector, generations and
// election announcements go to their collaborators.
func (s *Service) receiveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := s.tr.ReceiveBeacon(ctx, time.Second)
		if err != nil {
			if errors.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		s.handleFrame(ctx, pkt)
	}
}

func (s *Service) handleFrame(ctx context.Context, pkt transport.Packet) {
	kind, err := wire.Kind(pkt.Payload)
	if err != nil {
		s.logger.Debug("dropping unrecognized frame", zap.Error(err))
		return
	}

	switch kind {
	case wire.KindSyncReq:
		t1, err := wire.DecodeSyncReq(pkt.Payload)
		if err != nil {
			return
		}
		t2 := pkt.RecvMicros
		t3 := s.clock.LocalMicros()
		if _, err := s.tr.SendBeacon(ctx, pkt.From, wire.EncodeSyncResp(t1, uint64(t2), uint64(t3))); err != nil {
			s.logger.Debug("sync response send failed", zap.Error(err))
		}

	case wire.KindSyncResp:
		t1, t2, t3, err := wire.DecodeSyncResp(pkt.Payload)
		if err != nil {
			return
		}
		resp := syncResp{
			from: pkt.From,
			t1:   int64(t1), t2: int64(t2), t3: int64(t3),
			t4: pkt.RecvMicros,
		}
		select {
		case s.respCh <- resp:
		default: // no exchange pending, stale response
		}

	case wire.KindBeacon:
		b, err := wire.DecodeBeacon(pkt.Payload)
		if err != nil {
			if s.m != nil {
				s.m.BeaconsRejected.Inc()
			}
			return
		}
		if s.m != nil {
			s.m.BeaconsReceived.Inc()
		}
		peerID := s.peerIDFor(pkt.From)
		if peerID == "" {
			peerID = pkt.From // not yet in discovery, track by address
		}
		s.mu.Lock()
		switched := s.sel.Offer(peerID, b, pkt.RecvMicros)
		s.mu.Unlock()
		if switched {
			s.emit(model.DiagSourceSwitch, peerID, "beacon won source selection")
			if s.m != nil {
				s.m.SourceSwitches.Inc()
			}
		}
		s.publish()

	case wire.KindGeneration:
		g, err := wire.DecodeGeneration(pkt.Payload)
		if err != nil {
			return
		}
		if s.deps.OnGeneration != nil {
			s.deps.OnGeneration(g)
		}

	case wire.KindElection:
		capacity, nodeID, err := wire.DecodeElection(pkt.Payload)
		if err != nil {
			return
		}
		if s.deps.OnElection != nil {
			s.deps.OnElection(capacity, nodeID)
		}
	}
}

func (s *Service) addrFor(peerID string) string {
	for _, p := range s.deps.Peers() {
		if p.ID == peerID {
			return p.SyncAddr
		}
	}
	return ""
}

func (s *Service) peerIDFor(addr string) string {
	for _, p := range s.deps.Peers() {
		if p.SyncAddr == addr {
			return p.ID
		}
	}
	return ""
}

// publish stores a fresh immutable snapshot for lock-free readers.
func (s *Service) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.ClockSnapshot{
		LocalMicros:  s.clock.LocalMicros(),
		OffsetMicros: s.clock.OffsetMicros(),
		DriftRatePPB: s.clock.DriftRatePPB(),
		Stratum:      s.sel.AdvertisedStratum(),
		State:        model.SyncAcquiring,
	}
	if id, ok := s.sel.Current(); ok {
		snap.SourceID = id
		snap.State = s.sel.Tracker(id).State()
	}
	s.snapshot.Store(&snap)
	if s.m != nil {
		s.m.Stratum.Set(float64(snap.Stratum))
	}
}

func (s *Service) emit(kind model.DiagKind, nodeID, detail string) {
	ev := model.DiagEvent{Kind: kind, NodeID: nodeID, Detail: detail, At: time.Now()}
	select {
	case s.events <- ev:
	default: // diagnostics are best-effort, never block the sync path
	}
}
