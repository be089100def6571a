package session

import (
	"log/slog"
	"time"

	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/internal/events"
)

// PoolsProvider returns the current pool definitions.
type PoolsProvider func() config.PoolsFile

// StateChangeCallback is called when a session state changes.
type StateChangeCallback func(id string, oldState, newState State, err error)

// ManagerOptions configures a new Manager.
type ManagerOptions struct {
	// Pools returns the pool definitions sessions are started from (required).
	Pools PoolsProvider

	// Open opens devices. Defaults to the platform opener.
	Open Opener

	// Sink receives captured frames. Defaults to DiscardSink.
	Sink FrameSink

	// Source feeds output sessions. Output sessions fail to start without one.
	Source FrameSource

	// OnStateChange is called when a session changes state (optional).
	// Transitions are published on Bus as well.
	OnStateChange StateChangeCallback

	// Bus carries pool and session events. A private bus is used if nil.
	Bus *events.Bus

	// StopTimeout bounds how long Stop waits for a session to exit.
	StopTimeout time.Duration

	// Logger for manager operations. If nil, uses slog.Default().
	Logger *slog.Logger
}
