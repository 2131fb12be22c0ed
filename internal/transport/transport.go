// Package transport carries fixed-size frames between peers and reports a
// timestamp for every send and receive event, captured as close to the
// medium boundary as the platform allows. The sync core treats any latency
// above that boundary as jitter to be filtered.
package transport

import (
	"context"
	"time"
)

// Packet is a received frame plus its receive timestamp and sender address.
type Packet struct {
	From       string
	Payload    []byte
	RecvMicros int64
}

// Adapter is the swappable transport boundary. Implementations must be
// safe for one concurrent sender and one concurrent receiver.
type Adapter interface {
	// SendBeacon transmits a frame to addr and returns the local
	// monotonic timestamp taken immediately before the payload hit the
	// medium.
	SendBeacon(ctx context.Context, addr string, payload []byte) (sendMicros int64, err error)

	// ReceiveBeacon blocks until a frame arrives or the timeout passes.
	// A timeout is reported via errors.ExchangeTimeout, not a hard error.
	ReceiveBeacon(ctx context.Context, timeout time.Duration) (Packet, error)

	// LocalAddr returns the address peers should send to.
	LocalAddr() string

	Close() error
}
