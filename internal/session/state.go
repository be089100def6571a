package session

import (
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
)

// State represents the current state of a session.
type State string

// Session states.
const (
	StateIdle     State = "idle"     // Not running
	StateStarting State = "starting" // Opening the device
	StateRunning  State = "running"  // Streaming
	StateStopping State = "stopping" // Being stopped
	StateOrphaned State = "orphaned" // Device went away
	StateError    State = "error"    // Failed to start or stream
)

// Info contains information about a session.
type Info struct {
	ID           string
	Device       string
	Direction    string
	Memory       string
	State        State
	StartedAt    time.Time
	RestartCount int
	LastError    error

	Frames  uint64
	Bytes   uint64
	Dropped uint64
	// Reconfigurations counts pool rebuilds after resolution changes.
	Reconfigurations uint64

	Pool *bufferpool.Stats
}
