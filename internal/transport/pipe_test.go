package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/transport"
)

func TestPipe_Delivery(t *testing.T) {
	a, b := transport.NewPipe(transport.PipeLink{Latency: time.Millisecond, Seed: 1})

	sendUs, err := a.SendBeacon(context.Background(), b.LocalAddr(), []byte{0xFE, 0xFE, 1})
	require.NoError(t, err)

	pkt, err := b.ReceiveBeacon(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE, 0xFE, 1}, pkt.Payload)
	assert.Equal(t, "pipe:a", pkt.From)

	// The receive stamp includes the simulated one-way latency.
	assert.GreaterOrEqual(t, pkt.RecvMicros, sendUs+1000)
}

func TestPipe_ReceiveTimeout(t *testing.T) {
	_, b := transport.NewPipe(transport.PipeLink{Seed: 1})

	_, err := b.ReceiveBeacon(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestPipe_TotalLossNeverDelivers(t *testing.T) {
	a, b := transport.NewPipe(transport.PipeLink{LossRate: 1.0, Seed: 1})

	_, err := a.SendBeacon(context.Background(), b.LocalAddr(), []byte{0xFE})
	require.NoError(t, err) // a lost frame is not a send error

	_, err = b.ReceiveBeacon(context.Background(), 50*time.Millisecond)
	assert.True(t, errors.IsTimeout(err))
}

func TestPipe_CloseStopsSends(t *testing.T) {
	a, b := transport.NewPipe(transport.PipeLink{Seed: 1})
	require.NoError(t, a.Close())

	_, err := b.SendBeacon(context.Background(), a.LocalAddr(), []byte{0xFE})
	assert.Error(t, err)
}
