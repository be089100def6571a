package bufferpool

// Slot state bits. A slot with neither bit set is free.
const (
	slotFree        uint32 = 0
	slotOutstanding uint32 = 1 << 0
	slotQueued      uint32 = 1 << 1
)

// SlotState is the public view of a slot's state bits.
type SlotState uint32

const (
	SlotFree        = SlotState(slotFree)
	SlotOutstanding = SlotState(slotOutstanding)
	SlotQueued      = SlotState(slotQueued)
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotOutstanding:
		return "outstanding"
	case SlotQueued:
		return "queued"
	case SlotQueued | SlotOutstanding:
		return "queued+outstanding"
	}
	return "invalid"
}

// State is the lifecycle state of a pool.
type State int

const (
	StateInactive State = iota
	StateStarting
	StateStreaming
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
