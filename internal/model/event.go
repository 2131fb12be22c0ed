package model

import "time"

// DiagKind classifies diagnostic events surfaced by the core. None of
// these are fatal; they exist so operators can see recoveries happening.
type DiagKind string

const (
	DiagClockStep      DiagKind = "clock_step"
	DiagHoldoverEnter  DiagKind = "holdover_enter"
	DiagHoldoverExit   DiagKind = "holdover_exit"
	DiagRoleConflict   DiagKind = "role_conflict"
	DiagSourceSwitch   DiagKind = "source_switch"
	DiagStaleGen       DiagKind = "stale_generation"
	DiagPeerUnreliable DiagKind = "peer_unreliable"
)

// DiagEvent is a diagnostic record emitted by the sync core.
type DiagEvent struct {
	Kind   DiagKind
	NodeID string
	Detail string
	At     time.Time
}
