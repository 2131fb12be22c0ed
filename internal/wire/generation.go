package wire

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/tactlink/tactlink/internal/errors"
	"github.com/tactlink/tactlink/internal/model"
)

// EncodeGeneration serializes a pattern-clock generation. The whole
// (born_at, cycle) pair travels in one frame so a receiver can never
// observe half of an update.
func EncodeGeneration(g model.Generation) ([]byte, error) {
	origin, err := uuid.Parse(g.Origin)
	if err != nil {
		return nil, errors.InvalidArgument("generation origin is not a UUID", err)
	}
	buf := make([]byte, GenerationSize)
	buf[0] = MagicByte
	buf[1] = KindGeneration
	binary.LittleEndian.PutUint32(buf[2:6], g.Seq)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(g.BornAtMicros))
	binary.LittleEndian.PutUint64(buf[14:22], uint64(g.CycleMicros))
	copy(buf[22:38], origin[:])
	return buf, nil
}

// DecodeGeneration parses a generation frame.
func DecodeGeneration(payload []byte) (model.Generation, error) {
	if len(payload) != GenerationSize || payload[0] != MagicByte || payload[1] != KindGeneration {
		return model.Generation{}, errors.BadFrame("generation malformed")
	}
	var origin uuid.UUID
	copy(origin[:], payload[22:38])
	g := model.Generation{
		Seq:          binary.LittleEndian.Uint32(payload[2:6]),
		BornAtMicros: int64(binary.LittleEndian.Uint64(payload[6:14])),
		CycleMicros:  int64(binary.LittleEndian.Uint64(payload[14:22])),
		Origin:       origin.String(),
	}
	if g.CycleMicros <= 0 {
		return model.Generation{}, errors.BadFrame("generation cycle not positive")
	}
	return g, nil
}

// EncodeElection serializes a role-election announcement carrying the
// sender's capacity metric and stable identifier.
func EncodeElection(capacity uint8, nodeID string) ([]byte, error) {
	id, err := uuid.Parse(nodeID)
	if err != nil {
		return nil, errors.InvalidArgument("election node ID is not a UUID", err)
	}
	buf := make([]byte, ElectionSize)
	buf[0] = MagicByte
	buf[1] = KindElection
	buf[2] = capacity
	copy(buf[3:19], id[:])
	return buf, nil
}

// DecodeElection parses an election announcement.
func DecodeElection(payload []byte) (capacity uint8, nodeID string, err error) {
	if len(payload) != ElectionSize || payload[0] != MagicByte || payload[1] != KindElection {
		return 0, "", errors.BadFrame("election frame malformed")
	}
	var id uuid.UUID
	copy(id[:], payload[3:19])
	return payload[2], id.String(), nil
}
