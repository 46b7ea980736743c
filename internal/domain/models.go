// Package domain defines the core data types shared across the netshare
// orchestrator, registry, ledger, and relay layers.
package domain

import "time"

// State describes a connection's position in its lifecycle.
type State string

// Connection lifecycle states.
const (
	StatePending   State = "pending"
	StateMatched   State = "matched"
	StateActive    State = "active"
	StateThrottled State = "throttled"
	StateUnhealthy State = "unhealthy"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// States lists every connection state in lifecycle order.
func States() []State {
	return []State{
		StatePending, StateMatched, StateActive, StateThrottled,
		StateUnhealthy, StateExpired, StateFailed, StateClosed,
	}
}

// transitions is the set of legal state-machine edges. Everything not
// listed here is rejected with [ErrInvalidTransition].
var transitions = map[State][]State{
	StatePending:   {StateMatched, StateExpired},
	StateMatched:   {StateActive, StateFailed},
	StateActive:    {StateThrottled, StateUnhealthy, StateClosed},
	StateThrottled: {StateActive, StateClosed},
	StateUnhealthy: {StateClosed},
}

// CanTransition reports whether the edge from -> to exists in the
// connection state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal connections are
// never mutated again and may be removed from the registry once drained.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateFailed || s == StateClosed
}

// SharerProfile describes a subscriber offering spare bandwidth. Profiles
// are created and updated by the settings layer; the quota ledger is the
// only component allowed to increase UsedBytesToday, and its daily reset
// is the only one allowed to decrease it.
type SharerProfile struct {
	ID              string
	SharingEnabled  bool
	DailyLimitBytes uint64
	UsedBytesToday  uint64
	QualityScore    float64 // [0,1]
	UpdatedAt       time.Time
}

// Utilization returns UsedBytesToday as a fraction of DailyLimitBytes.
// A profile with no limit counts as fully utilized.
func (p SharerProfile) Utilization() float64 {
	if p.DailyLimitBytes == 0 {
		return 1
	}
	return float64(p.UsedBytesToday) / float64(p.DailyLimitBytes)
}

// RemainingBytes returns the unconsumed portion of today's allowance.
func (p SharerProfile) RemainingBytes() uint64 {
	if p.UsedBytesToday >= p.DailyLimitBytes {
		return 0
	}
	return p.DailyLimitBytes - p.UsedBytesToday
}

// Connection is one tunnel instance pairing a sharer with a client through
// the relay. The registry owns the record; the orchestrator is the only
// writer of State, and relay results are the only source of
// BytesTransferred and RelayPort.
type Connection struct {
	ID                 string
	SharerID           string // empty until matched
	ClientID           string
	RelayPort          int // 0 while no relay mapping is registered
	State              State
	BytesTransferred   uint64
	MissedPolls        int
	AccessUser         string
	AccessPasswordHash string
	CreatedAt          time.Time
	LastHeartbeatAt    time.Time
	ClosedAt           *time.Time
}

// Candidate is one row of the available-sharers listing, ordered by the
// matcher's ranking key.
type Candidate struct {
	SharerID       string  `json:"sharer_id"`
	AvailableBytes uint64  `json:"available_bytes"`
	QualityScore   float64 `json:"quality_score"`
}
