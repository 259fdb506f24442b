package dispatch

import (
	"fmt"
	"time"

	"github.com/MrWong99/astra/internal/wake"
)

// State is the coordinator's session state. Exactly one state holds at any
// instant.
type State int32

const (
	Idle State = iota
	Armed
	Processing
	Speaking
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode maps s to the mode the wake gate evaluates results in.
func (s State) Mode() wake.Mode {
	switch s {
	case Armed:
		return wake.ModeArmed
	case Processing:
		return wake.ModeProcessing
	case Speaking:
		return wake.ModeSpeaking
	default:
		return wake.ModeIdle
	}
}

// Snapshot is a read-only view of the coordinator state.
type Snapshot struct {
	State State

	// Since is when State was entered.
	Since time.Time

	// ArmedAt is when the session was last armed. It is zero if it was never
	// armed.
	ArmedAt time.Time

	// Acknowledging is set while the wake acknowledgement plays. The arm
	// timeout starts when it ends.
	Acknowledging bool
}
