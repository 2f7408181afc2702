// Package guardian adapts the external capital-protection service. The real
// lock state lives there; this port only reads it and relays lock events.
// Unreachability reads as locked — silence never approves.
package guardian

import (
	"context"
	"time"
)

// State of the capital-protection lock.
type State string

const (
	StateLocked   State = "LOCKED"
	StateUnlocked State = "UNLOCKED"
)

// Status is the Guardian's reported condition.
type Status struct {
	State    State      `json:"state"`
	Reason   string     `json:"reason,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// LockEvent is delivered when the Guardian transitions to LOCKED.
type LockEvent struct {
	Reason   string    `json:"reason"`
	LockedAt time.Time `json:"locked_at"`
}

// Port is the gateway's read-only view of the Guardian.
type Port interface {
	// IsLocked reports the current lock state, treating any failure to reach
	// the Guardian as locked.
	IsLocked(ctx context.Context) bool

	// Status returns the full lock status. On transport failure it reports
	// LOCKED with a synthetic reason.
	Status(ctx context.Context) Status

	// Subscribe returns the bounded channel of lock events. The channel is
	// owned by the port; consumers must not close it.
	Subscribe() <-chan LockEvent
}
