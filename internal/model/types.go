package model

// Role is the runtime-assigned timing responsibility of a node. It is
// distinct from Zone: a node's role may change through election, its
// zone never does.
type Role int

const (
	RoleUndecided Role = iota
	RoleServer
	RoleClient
)

// String returns a human-readable role name for logs.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "SERVER"
	case RoleClient:
		return "CLIENT"
	default:
		return "UNDECIDED"
	}
}

// Zone is the physical position of a node, assigned at provisioning.
type Zone int

const (
	ZoneLeft Zone = iota
	ZoneRight
)

func (z Zone) String() string {
	if z == ZoneRight {
		return "RIGHT"
	}
	return "LEFT"
}

// ParseZone converts a configuration string into a Zone.
func ParseZone(s string) (Zone, bool) {
	switch s {
	case "left", "LEFT":
		return ZoneLeft, true
	case "right", "RIGHT":
		return ZoneRight, true
	}
	return ZoneLeft, false
}

// Stratum bounds. Lower is more trusted; 255 means free-running with no
// external time source.
const (
	StratumPrimary     uint8 = 0
	StratumFreeRunning uint8 = 255
)

// MaxHopCount bounds beacon relaying; beacons beyond it are rejected.
const MaxHopCount uint8 = 16

// NodeInfo describes a peer as learned from discovery.
type NodeInfo struct {
	ID       string
	Zone     Zone
	Capacity uint8
	Stratum  uint8
	SyncAddr string
}

// Beacon is the immutable wire record a node broadcasts about its time
// source. EpochMicros is the sender's synchronized time at send.
type Beacon struct {
	Stratum      uint8
	Quality      uint8
	HopCount     uint8
	EpochMicros  uint64
	DriftRatePPB int32
}

// OffsetSample is one accepted round-trip measurement against a peer.
type OffsetSample struct {
	OffsetMicros int64 // correction toward the peer's clock
	DelayMicros  int64 // estimated one-way delay
	LocalMicros  int64 // local monotonic receive time of the exchange
}

// SyncState is the per-peer tracking state of the adaptive scheduler.
type SyncState int

const (
	SyncAcquiring SyncState = iota
	SyncTracking
	SyncDegraded
	SyncHoldover
)

func (s SyncState) String() string {
	switch s {
	case SyncTracking:
		return "TRACKING"
	case SyncDegraded:
		return "DEGRADED"
	case SyncHoldover:
		return "HOLDOVER"
	default:
		return "ACQUIRING"
	}
}

// ClockSnapshot is an immutable copy of the clock state, published by the
// sync task and read lock-free by every other task.
type ClockSnapshot struct {
	LocalMicros  int64
	OffsetMicros int64
	DriftRatePPB int32
	Stratum      uint8
	State        SyncState
	SourceID     string
}

// SyncMicros is the synchronized time this snapshot represents.
func (c ClockSnapshot) SyncMicros() int64 {
	return c.LocalMicros + c.OffsetMicros
}

// Generation is one atomic (born_at, cycle) pair of the pattern clock.
// A new generation is created on every cycle change and broadcast whole;
// consumers must never pair fields from different generations.
type Generation struct {
	Seq          uint32
	BornAtMicros int64
	CycleMicros  int64
	Origin       string // node ID of the server that published it
}

// EpochMicros derives the next shared cycle boundary from the generation.
// Both server and client compute this independently and agree bit-for-bit
// given agreement on synchronized time.
func (g Generation) EpochMicros() int64 {
	if g.CycleMicros <= 0 {
		return 0
	}
	return ((g.BornAtMicros / g.CycleMicros) + 1) * g.CycleMicros
}

// Valid reports whether the generation can be used for phase computation.
func (g Generation) Valid() bool {
	return g.Seq > 0 && g.CycleMicros > 0
}
