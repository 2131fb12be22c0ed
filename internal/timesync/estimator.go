package timesync

import (
	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/model"
)

// Estimator converts four-timestamp round trips into offset samples and
// tracks consecutive failures per peer so the source selector can demote
// unreliable peers.
type Estimator struct {
	maxDelayMicros int64
	failures       map[string]int
}

// failureLimit is the number of consecutive rejected or timed-out
// exchanges after which a peer is reported unreliable.
const failureLimit = 3

// NewEstimator creates an estimator that rejects samples implying more
// than maxDelayMicros of one-way delay.
func NewEstimator(maxDelayMicros int64) *Estimator {
	return &Estimator{
		maxDelayMicros: maxDelayMicros,
		failures:       make(map[string]int),
	}
}

// Compute derives (offset, delay) from the classic four-timestamp
// exchange: T1 source send, T2 destination receive, T3 destination reply
// send, T4 source receive.
//
//	offset = ((T2-T1) - (T4-T3)) / 2
//	delay  = ((T2-T1) + (T4-T3)) / 2
//
// Samples with a negative delay, or one beyond the configured transport
// maximum, indicate a corrupt or replayed packet and are rejected. The
// estimator never mutates the clock; the caller applies accepted samples
// as a bounded slew.
func (e *Estimator) Compute(peerID string, t1, t2, t3, t4 int64) (model.OffsetSample, error) {
	forward := t2 - t1
	reverse := t4 - t3
	delay := (forward + reverse) / 2
	if delay < 0 {
		return model.OffsetSample{}, e.reject(peerID, errors.SampleRejected("negative implied delay", delay))
	}
	if delay > e.maxDelayMicros {
		return model.OffsetSample{}, e.reject(peerID, errors.SampleRejected("delay exceeds transport maximum", delay))
	}
	e.failures[peerID] = 0
	return model.OffsetSample{
		OffsetMicros: (forward - reverse) / 2,
		DelayMicros:  delay,
		LocalMicros:  t4,
	}, nil
}

// RecordTimeout counts a timed-out exchange against the peer.
func (e *Estimator) RecordTimeout(peerID string) {
	e.failures[peerID]++
}

// Unreliable reports whether the peer has accumulated enough consecutive
// failures that the source selector should stop trusting it.
func (e *Estimator) Unreliable(peerID string) bool {
	return e.failures[peerID] >= failureLimit
}

func (e *Estimator) reject(peerID string, err error) error {
	e.failures[peerID]++
	return err
}
