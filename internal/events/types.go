package events

// Event type constants for kelindar/event.
const (
	TypeGroupReleased uint32 = iota + 1
	TypePoolStateChanged
	TypeResolutionChanged
	TypePoolOrphaned
	TypeDeviceAdded
	TypeDeviceRemoved
	TypeSessionStateChanged
	TypePoolMetrics
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// GroupReleasedEvent is published by an allocator when a slot goes back to
// its free list because the buffer wrapping it was dropped.
type GroupReleasedEvent struct {
	Allocator uint64 `json:"allocator" doc:"Allocator instance identifier"`
	Pool      string `json:"pool" example:"cam0" doc:"Owning pool name"`
	Index     int    `json:"index" example:"3" doc:"Kernel slot index"`
}

// Type returns the event type identifier for GroupReleasedEvent.
func (e GroupReleasedEvent) Type() uint32 { return TypeGroupReleased }

// PoolStateChangedEvent represents a buffer pool lifecycle transition.
type PoolStateChangedEvent struct {
	Pool      string `json:"pool" example:"cam0" doc:"Pool name"`
	OldState  string `json:"old_state" example:"starting" doc:"Previous state"`
	NewState  string `json:"new_state" example:"streaming" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PoolStateChangedEvent.
func (e PoolStateChangedEvent) Type() uint32 { return TypePoolStateChanged }

// ResolutionChangedEvent is published when a device reports a source change.
type ResolutionChangedEvent struct {
	Pool      string `json:"pool" example:"cam0" doc:"Pool name"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ResolutionChangedEvent.
func (e ResolutionChangedEvent) Type() uint32 { return TypeResolutionChanged }

// PoolOrphanedEvent is published once a pool lets go of its device.
type PoolOrphanedEvent struct {
	Pool      string `json:"pool" example:"cam0" doc:"Pool name"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PoolOrphanedEvent.
func (e PoolOrphanedEvent) Type() uint32 { return TypePoolOrphaned }

// DeviceAddedEvent represents a video device appearing.
type DeviceAddedEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceAddedEvent.
func (e DeviceAddedEvent) Type() uint32 { return TypeDeviceAdded }

// DeviceRemovedEvent represents a video device being unplugged.
type DeviceRemovedEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceRemovedEvent.
func (e DeviceRemovedEvent) Type() uint32 { return TypeDeviceRemoved }

// SessionStateChangedEvent represents a capture session lifecycle transition.
type SessionStateChangedEvent struct {
	Session   string `json:"session" example:"cam0" doc:"Session identifier"`
	OldState  string `json:"old_state" example:"running" doc:"Previous state"`
	NewState  string `json:"new_state" example:"restarting" doc:"New state"`
	Error     string `json:"error,omitempty" doc:"Error that caused the transition"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStateChangedEvent.
func (e SessionStateChangedEvent) Type() uint32 { return TypeSessionStateChanged }

// PoolMetricsEvent is a periodic statistics sample of a pool.
type PoolMetricsEvent struct {
	Pool        string `json:"pool" example:"cam0" doc:"Pool name"`
	State       string `json:"state" example:"streaming" doc:"Pool state"`
	Buffers     int    `json:"buffers" example:"6" doc:"Allocated buffers"`
	Queued      int    `json:"queued" example:"4" doc:"Buffers owned by the device"`
	Outstanding int    `json:"outstanding" example:"1" doc:"Buffers held by the application"`
	Copies      uint64 `json:"copies" example:"0" doc:"Frames copied out"`
}

// Type returns the event type identifier for PoolMetricsEvent.
func (e PoolMetricsEvent) Type() uint32 { return TypePoolMetrics }
