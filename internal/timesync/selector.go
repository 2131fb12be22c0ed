package timesync

import (
	"go.uber.org/zap"

	"github.com/tactlink/tactlink/internal/model"
)

// SelectorConfig holds source selection configuration
type SelectorConfig struct {
	NoiseMarginUs int64 // epoch recency hysteresis
	Tracker       TrackerConfig
}

// Selector is the stratum engine: it decides which peer's beacons to
// trust, using an ordered precedence over stratum, quality and recency,
// and drives the holdover transition when the trusted source disappears.
type Selector struct {
	cfg    SelectorConfig
	logger *zap.Logger

	trackers map[string]*Tracker

	currentID     string
	currentBeacon model.Beacon
	currentRecvUs int64

	advertised uint8
}

// NewSelector creates a selector with no trusted source, advertising
// free-running stratum.
func NewSelector(cfg SelectorConfig, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:        cfg,
		logger:     logger,
		trackers:   make(map[string]*Tracker),
		advertised: model.StratumFreeRunning,
	}
}

// Tracker returns the quality tracker for a peer, creating it on the
// first beacon from that peer.
func (s *Selector) Tracker(peerID string) *Tracker {
	t, ok := s.trackers[peerID]
	if !ok {
		t = NewTracker(s.cfg.Tracker)
		s.trackers[peerID] = t
	}
	return t
}

// Offer evaluates a received beacon against the currently trusted source.
// The precedence is strict:
//
//  1. lower stratum wins outright
//  2. equal stratum: higher quality wins
//  3. equal stratum and quality: switch only when the candidate's epoch
//     is newer by more than the noise margin (hysteresis against flapping)
//
// Switching resets the new source's tracker to ACQUIRING and re-derives
// the advertised stratum as selected.stratum+1. Holdover exits here too:
// any beacon satisfying the rule re-enters acquisition with no manual
// reset.
func (s *Selector) Offer(peerID string, b model.Beacon, recvUs int64) (switched bool) {
	if s.currentID == "" {
		s.adopt(peerID, b, recvUs)
		return true
	}

	if peerID == s.currentID {
		// Same source: refresh its beacon, and leave holdover if the
		// tracker had given up on it.
		s.currentBeacon = b
		s.currentRecvUs = recvUs
		s.setAdvertised(b.Stratum)
		return false
	}

	cur := s.currentBeacon
	better := false
	switch {
	case b.Stratum < cur.Stratum:
		better = true
	case b.Stratum > cur.Stratum:
		better = false
	case b.Quality > cur.Quality:
		better = true
	case b.Quality < cur.Quality:
		better = false
	default:
		better = b.EpochMicros > cur.EpochMicros &&
			int64(b.EpochMicros-cur.EpochMicros) > s.cfg.NoiseMarginUs
	}
	if !better {
		return false
	}

	s.logger.Info("switching time source",
		zap.String("from", s.currentID),
		zap.String("to", peerID),
		zap.Uint8("stratum", b.Stratum),
		zap.Uint8("quality", b.Quality))
	s.adopt(peerID, b, recvUs)
	return true
}

func (s *Selector) adopt(peerID string, b model.Beacon, recvUs int64) {
	s.currentID = peerID
	s.currentBeacon = b
	s.currentRecvUs = recvUs
	s.Tracker(peerID).Reset()
	s.setAdvertised(b.Stratum)
}

// MarkUnreliable drops the peer as trusted source after the estimator
// reported repeated failures. The node keeps free-running until another
// candidate offers itself.
func (s *Selector) MarkUnreliable(peerID string) {
	if peerID != s.currentID {
		return
	}
	s.logger.Warn("trusted source unreliable, dropping", zap.String("peer", peerID))
	s.currentID = ""
	s.advertised = model.StratumFreeRunning
}

// EnterHoldover degrades the advertised stratum so downstream consumers
// can react: one level when the lost source chained to a primary
// reference, straight to free-running otherwise.
func (s *Selector) EnterHoldover() {
	if s.currentBeacon.Stratum == model.StratumPrimary {
		s.setAdvertised(s.currentBeacon.Stratum + 1)
	} else {
		s.advertised = model.StratumFreeRunning
	}
}

// Current returns the trusted source peer ID, if any.
func (s *Selector) Current() (string, bool) {
	return s.currentID, s.currentID != ""
}

// CurrentBeacon returns the last beacon from the trusted source.
func (s *Selector) CurrentBeacon() model.Beacon {
	return s.currentBeacon
}

// AdvertisedStratum is the stratum this node puts in its own beacons.
func (s *Selector) AdvertisedStratum() uint8 {
	return s.advertised
}

func (s *Selector) setAdvertised(sourceStratum uint8) {
	if sourceStratum >= model.StratumFreeRunning-1 {
		s.advertised = model.StratumFreeRunning
		return
	}
	s.advertised = sourceStratum + 1
}
