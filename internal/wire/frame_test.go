package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/wire"
)

func TestEncodeBeacon_Layout(t *testing.T) {
	b := model.Beacon{
		Stratum:      2,
		Quality:      87,
		HopCount:     1,
		EpochMicros:  0x0102030405060708,
		DriftRatePPB: -250,
	}
	buf := wire.EncodeBeacon(b)

	require.Len(t, buf, wire.BeaconSize)
	assert.Equal(t, byte(0xFE), buf[0])
	assert.Equal(t, byte(0xFE), buf[1])
	assert.Equal(t, byte(2), buf[2])
	assert.Equal(t, byte(87), buf[3])
	assert.Equal(t, byte(1), buf[4])
	// Little-endian epoch: least significant byte first.
	assert.Equal(t, byte(0x08), buf[5])
	assert.Equal(t, byte(0x01), buf[12])

	decoded, err := wire.DecodeBeacon(buf)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestDecodeBeacon_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "truncated frame",
			mutate: func(buf []byte) []byte { return buf[:10] },
		},
		{
			name: "wrong magic",
			mutate: func(buf []byte) []byte {
				buf[0] = 0x00
				return buf
			},
		},
		{
			name: "hop count past relay bound",
			mutate: func(buf []byte) []byte {
				buf[4] = model.MaxHopCount + 1
				return buf
			},
		},
		{
			name: "quality out of range",
			mutate: func(buf []byte) []byte {
				buf[3] = 101
				return buf
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := wire.EncodeBeacon(model.Beacon{Stratum: 1, Quality: 90})
			_, err := wire.DecodeBeacon(tt.mutate(buf))
			assert.Error(t, err)
		})
	}
}

func TestKind_Demux(t *testing.T) {
	kind, err := wire.Kind(wire.EncodeSyncReq(42))
	require.NoError(t, err)
	assert.Equal(t, wire.KindSyncReq, kind)

	_, err = wire.Kind([]byte{0xFE})
	assert.Error(t, err)

	_, err = wire.Kind([]byte{0xFE, 0x99})
	assert.Error(t, err)
}

func TestSyncFrames_RoundTrip(t *testing.T) {
	t1, err := wire.DecodeSyncReq(wire.EncodeSyncReq(123456789))
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), t1)

	rt1, rt2, rt3, err := wire.DecodeSyncResp(wire.EncodeSyncResp(10, 20, 30))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rt1)
	assert.Equal(t, uint64(20), rt2)
	assert.Equal(t, uint64(30), rt3)
}

func TestGeneration_RoundTrip(t *testing.T) {
	g := model.Generation{
		Seq:          7,
		BornAtMicros: 1_234_567,
		CycleMicros:  2_000_000,
		Origin:       "a2c4e6a8-0000-4000-8000-000000000001",
	}
	buf, err := wire.EncodeGeneration(g)
	require.NoError(t, err)
	require.Len(t, buf, wire.GenerationSize)

	decoded, err := wire.DecodeGeneration(buf)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)
}

func TestGeneration_Rejections(t *testing.T) {
	_, err := wire.EncodeGeneration(model.Generation{Seq: 1, CycleMicros: 1, Origin: "not-a-uuid"})
	assert.Error(t, err)

	g := model.Generation{Seq: 1, BornAtMicros: 10, CycleMicros: 100, Origin: "a2c4e6a8-0000-4000-8000-000000000001"}
	buf, err := wire.EncodeGeneration(g)
	require.NoError(t, err)

	// Zero cycle must never decode into a usable generation.
	for i := 14; i < 22; i++ {
		buf[i] = 0
	}
	_, err = wire.DecodeGeneration(buf)
	assert.Error(t, err)
}

func TestElection_RoundTrip(t *testing.T) {
	id := "a2c4e6a8-0000-4000-8000-000000000002"
	buf, err := wire.EncodeElection(97, id)
	require.NoError(t, err)
	require.Len(t, buf, wire.ElectionSize)

	capacity, nodeID, err := wire.DecodeElection(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(97), capacity)
	assert.Equal(t, id, nodeID)
}
