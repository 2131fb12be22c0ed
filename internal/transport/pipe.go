package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/util"
)

// PipeLink models the radio between two endpoints in tests: a base one-way
// latency, uniform jitter on top of it, and a drop probability. A seeded
// rand keeps runs reproducible.
type PipeLink struct {
	Latency  time.Duration
	Jitter   time.Duration
	LossRate float64
	Seed     int64
}

// Pipe is an in-memory two-endpoint medium for deterministic tests.
type Pipe struct {
	link PipeLink

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
	a, b   *PipeEndpoint
}

// PipeEndpoint is one side of a Pipe and implements Adapter.
type PipeEndpoint struct {
	pipe *Pipe
	addr string
	peer *PipeEndpoint
	in   chan Packet
}

// NewPipe creates a connected endpoint pair with the given link model.
func NewPipe(link PipeLink) (*PipeEndpoint, *PipeEndpoint) {
	p := &Pipe{
		link: link,
		rng:  rand.New(rand.NewSource(link.Seed)),
	}
	a := &PipeEndpoint{pipe: p, addr: "pipe:a", in: make(chan Packet, 64)}
	b := &PipeEndpoint{pipe: p, addr: "pipe:b", in: make(chan Packet, 64)}
	a.peer, b.peer = b, a
	p.a, p.b = a, b
	return a, b
}

// SendBeacon implements Adapter. Delivery is asynchronous after the
// simulated one-way delay; dropped frames simply never arrive, exactly
// like a lost radio packet.
func (e *PipeEndpoint) SendBeacon(ctx context.Context, addr string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.TransportClosed(err)
	}
	e.pipe.mu.Lock()
	if e.pipe.closed {
		e.pipe.mu.Unlock()
		return 0, errors.TransportClosed(nil)
	}
	drop := e.pipe.rng.Float64() < e.pipe.link.LossRate
	delay := e.pipe.link.Latency
	if e.pipe.link.Jitter > 0 {
		delay += time.Duration(e.pipe.rng.Int63n(int64(e.pipe.link.Jitter)))
	}
	e.pipe.mu.Unlock()

	sendMicros := util.NowMicros()
	if drop {
		return sendMicros, nil
	}

	frame := make([]byte, len(payload))
	copy(frame, payload)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		pkt := Packet{From: e.addr, Payload: frame, RecvMicros: util.NowMicros()}
		select {
		case e.peer.in <- pkt:
		default: // receiver gone or saturated, drop like a full radio queue
		}
	}()
	return sendMicros, nil
}

// ReceiveBeacon implements Adapter.
func (e *PipeEndpoint) ReceiveBeacon(ctx context.Context, timeout time.Duration) (Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-e.in:
		// Stamp at dequeue: the pipe goroutine stamped at delivery, but
		// a frame may have waited in the channel while the receiver slept.
		if pkt.RecvMicros == 0 {
			pkt.RecvMicros = util.NowMicros()
		}
		return pkt, nil
	case <-timer.C:
		return Packet{}, errors.ExchangeTimeout(e.peer.addr, nil)
	case <-ctx.Done():
		return Packet{}, errors.TransportClosed(ctx.Err())
	}
}

// LocalAddr implements Adapter.
func (e *PipeEndpoint) LocalAddr() string { return e.addr }

// Close implements Adapter; closing either endpoint closes the pipe.
func (e *PipeEndpoint) Close() error {
	e.pipe.mu.Lock()
	defer e.pipe.mu.Unlock()
	e.pipe.closed = true
	return nil
}
