// Package wire implements the fixed-size binary frames exchanged between
// peers. The beacon layout is bit-exact: changing it breaks mixed-version
// pairings in the field.
package wire

import (
	"encoding/binary"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/model"
)

// Every frame starts with MagicByte; the second byte discriminates the
// frame kind. Beacons use 0xFE 0xFE so that legacy receivers that only
// check for the doubled magic keep working.
const (
	MagicByte byte = 0xFE

	KindBeacon     byte = 0xFE
	KindSyncReq    byte = 0x51
	KindSyncResp   byte = 0x52
	KindGeneration byte = 0x47
	KindElection   byte = 0x45
)

// Frame sizes in bytes.
const (
	BeaconSize     = 17 // magic(2) stratum(1) quality(1) hop(1) epoch(8) drift(4)
	SyncReqSize    = 10 // magic(2) t1(8)
	SyncRespSize   = 26 // magic(2) t1(8) t2(8) t3(8)
	GenerationSize = 38 // magic(2) seq(4) born_at(8) cycle(8) origin(16)
	ElectionSize   = 19 // magic(2) capacity(1) node_id(16)
)

// Kind returns the frame kind byte, or an error if the payload is not a
// recognizable frame.
func Kind(payload []byte) (byte, error) {
	if len(payload) < 2 || payload[0] != MagicByte {
		return 0, errors.BadFrame("missing magic")
	}
	switch payload[1] {
	case KindBeacon, KindSyncReq, KindSyncResp, KindGeneration, KindElection:
		return payload[1], nil
	}
	return 0, errors.BadFrame("unknown frame kind")
}

// EncodeBeacon serializes a beacon into its 17-byte wire form.
func EncodeBeacon(b model.Beacon) []byte {
	buf := make([]byte, BeaconSize)
	buf[0] = MagicByte
	buf[1] = KindBeacon
	buf[2] = b.Stratum
	buf[3] = b.Quality
	buf[4] = b.HopCount
	binary.LittleEndian.PutUint64(buf[5:13], b.EpochMicros)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(b.DriftRatePPB))
	return buf
}

// DecodeBeacon parses and validates a 17-byte beacon frame. Beacons whose
// hop count is past the relay bound are rejected here, before any of the
// sync machinery sees them.
func DecodeBeacon(payload []byte) (model.Beacon, error) {
	if len(payload) != BeaconSize {
		return model.Beacon{}, errors.BadFrame("beacon length mismatch")
	}
	if payload[0] != MagicByte || payload[1] != KindBeacon {
		return model.Beacon{}, errors.BadFrame("beacon magic mismatch")
	}
	b := model.Beacon{
		Stratum:      payload[2],
		Quality:      payload[3],
		HopCount:     payload[4],
		EpochMicros:  binary.LittleEndian.Uint64(payload[5:13]),
		DriftRatePPB: int32(binary.LittleEndian.Uint32(payload[13:17])),
	}
	if b.HopCount > model.MaxHopCount {
		return model.Beacon{}, errors.HopExceeded(b.HopCount, model.MaxHopCount)
	}
	if b.Quality > 100 {
		return model.Beacon{}, errors.BadFrame("quality out of range")
	}
	return b, nil
}

// EncodeSyncReq builds a sync request carrying T1, the requester's send
// timestamp.
func EncodeSyncReq(t1 uint64) []byte {
	buf := make([]byte, SyncReqSize)
	buf[0] = MagicByte
	buf[1] = KindSyncReq
	binary.LittleEndian.PutUint64(buf[2:10], t1)
	return buf
}

// DecodeSyncReq parses a sync request, returning T1.
func DecodeSyncReq(payload []byte) (uint64, error) {
	if len(payload) != SyncReqSize || payload[0] != MagicByte || payload[1] != KindSyncReq {
		return 0, errors.BadFrame("sync request malformed")
	}
	return binary.LittleEndian.Uint64(payload[2:10]), nil
}

// EncodeSyncResp builds a sync response echoing T1 and carrying the
// responder's receive (T2) and reply-send (T3) timestamps.
func EncodeSyncResp(t1, t2, t3 uint64) []byte {
	buf := make([]byte, SyncRespSize)
	buf[0] = MagicByte
	buf[1] = KindSyncResp
	binary.LittleEndian.PutUint64(buf[2:10], t1)
	binary.LittleEndian.PutUint64(buf[10:18], t2)
	binary.LittleEndian.PutUint64(buf[18:26], t3)
	return buf
}

// DecodeSyncResp parses a sync response into (T1, T2, T3).
func DecodeSyncResp(payload []byte) (t1, t2, t3 uint64, err error) {
	if len(payload) != SyncRespSize || payload[0] != MagicByte || payload[1] != KindSyncResp {
		return 0, 0, 0, errors.BadFrame("sync response malformed")
	}
	t1 = binary.LittleEndian.Uint64(payload[2:10])
	t2 = binary.LittleEndian.Uint64(payload[10:18])
	t3 = binary.LittleEndian.Uint64(payload[18:26])
	return t1, t2, t3, nil
}
