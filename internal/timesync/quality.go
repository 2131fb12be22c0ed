package timesync

import (
	"github.com/tactlink/tactlink/internal/model"
)

// TrackerConfig holds adaptive scheduler configuration
type TrackerConfig struct {
	MinIntervalUs  int64 // acquiring interval and backoff floor
	MaxIntervalUs  int64 // backoff ceiling
	TrustThreshold int   // accepted samples before backoff may begin
	GoodQuality    uint8 // score gating interval doubling
	MaxDelayUs     int64 // delay normalization for scoring
}

// sampleCap bounds the samples-collected counter so one long session
// cannot make the trust state insensitive to later degradation.
const sampleCap = 64

// Tracker maintains the per-peer quality score and decides the next
// resynchronization interval: exponential backoff while healthy, immediate
// tightening on degradation. All counters are private; recording a sample
// or a loss is the only way they move, which makes the
// initialized-but-never-incremented defect class unrepresentable.
type Tracker struct {
	cfg TrackerConfig

	state      model.SyncState
	score      uint8
	scored     bool
	samples    int
	intervalUs int64

	lastAcceptUs int64
	lastOffset   int64
	hasLast      bool
}

// NewTracker creates a tracker in ACQUIRING at the minimum interval.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg:        cfg,
		state:      model.SyncAcquiring,
		intervalUs: cfg.MinIntervalUs,
	}
}

// RecordSample feeds one accepted offset sample. Interval doubling is
// gated on both the quality score and the trust threshold, so the
// scheduler never relaxes before it has evidence.
func (t *Tracker) RecordSample(s model.OffsetSample, nowUs int64) {
	score := t.scoreSample(s)
	t.lastAcceptUs = nowUs

	if t.state == model.SyncHoldover {
		// Holdover exits the instant a valid sample arrives; trust is
		// rebuilt from scratch.
		t.state = model.SyncAcquiring
		t.samples = 0
		t.intervalUs = t.cfg.MinIntervalUs
	}

	if score < t.cfg.GoodQuality {
		// A below-good sample spends trust instead of building it,
		// mirroring a loss.
		if t.samples > 0 {
			t.samples--
		}
		t.tighten()
		return
	}

	if t.samples < sampleCap {
		t.samples++
	}

	if t.samples < t.cfg.TrustThreshold {
		t.state = model.SyncAcquiring
		return
	}

	t.state = model.SyncTracking
	t.intervalUs *= 2
	if t.intervalUs > t.cfg.MaxIntervalUs {
		t.intervalUs = t.cfg.MaxIntervalUs
	}
}

// RecordLoss registers a missed or rejected exchange: the interval halves
// immediately and the trust counter is walked back toward the acquiring
// threshold, preventing runaway backoff on a degrading link.
func (t *Tracker) RecordLoss(nowUs int64) {
	if t.samples > 0 {
		t.samples--
	}
	t.tighten()
}

// CheckHoldover transitions to HOLDOVER when no sample has been accepted
// within twice the current interval. Returns true on the transition edge.
func (t *Tracker) CheckHoldover(nowUs int64) bool {
	if t.state == model.SyncHoldover || t.lastAcceptUs == 0 {
		return false
	}
	if nowUs-t.lastAcceptUs > 2*t.intervalUs {
		t.state = model.SyncHoldover
		return true
	}
	return false
}

// Reset returns the tracker to ACQUIRING, used when the source selector
// switches to a different peer.
func (t *Tracker) Reset() {
	t.state = model.SyncAcquiring
	t.samples = 0
	t.intervalUs = t.cfg.MinIntervalUs
	t.scored = false
	t.hasLast = false
	t.lastAcceptUs = 0
}

// State returns the scheduler state.
func (t *Tracker) State() model.SyncState { return t.state }

// Score returns the rolling quality score (0-100).
func (t *Tracker) Score() uint8 { return t.score }

// IntervalMicros returns the current resynchronization interval.
func (t *Tracker) IntervalMicros() int64 { return t.intervalUs }

// Trusted reports whether enough samples have been collected for the
// quality level to mean anything.
func (t *Tracker) Trusted() bool { return t.samples >= t.cfg.TrustThreshold }

// SamplesCollected returns the bounded trust counter.
func (t *Tracker) SamplesCollected() int { return t.samples }

// SinceAcceptMicros returns time since the last accepted sample, or -1 if
// none has been accepted yet.
func (t *Tracker) SinceAcceptMicros(nowUs int64) int64 {
	if t.lastAcceptUs == 0 {
		return -1
	}
	return nowUs - t.lastAcceptUs
}

func (t *Tracker) tighten() {
	t.intervalUs /= 2
	if t.intervalUs < t.cfg.MinIntervalUs {
		t.intervalUs = t.cfg.MinIntervalUs
	}
	if t.state == model.SyncTracking {
		t.state = model.SyncDegraded
	}
}

// scoreSample rates one sample from its implied delay and the offset jump
// against the previous sample, then folds it into the rolling score. The
// first sample seeds the score directly (fast attack); afterwards a 30%
// EMA smooths link jitter.
func (t *Tracker) scoreSample(s model.OffsetSample) uint8 {
	delayPenalty := int64(0)
	if t.cfg.MaxDelayUs > 0 {
		delayPenalty = s.DelayMicros * 100 / t.cfg.MaxDelayUs
		if delayPenalty > 100 {
			delayPenalty = 100
		}
	}
	jumpPenalty := int64(0)
	if t.hasLast {
		jump := s.OffsetMicros - t.lastOffset
		if jump < 0 {
			jump = -jump
		}
		jumpPenalty = jump / 1000 // one point per millisecond of jump
		if jumpPenalty > 50 {
			jumpPenalty = 50
		}
	}
	t.lastOffset = s.OffsetMicros
	t.hasLast = true

	raw := 100 - delayPenalty - jumpPenalty
	if raw < 0 {
		raw = 0
	}

	if !t.scored {
		t.score = uint8(raw)
		t.scored = true
	} else {
		t.score = uint8((int64(t.score)*7 + raw*3) / 10)
	}
	return t.score
}
