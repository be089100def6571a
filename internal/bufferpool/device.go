package bufferpool

import (
	"context"
	"time"
)

// Direction of the device queue a pool serves.
type Direction int

const (
	Capture Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "capture"
}

// KernelMemory is the memory type passed to the device for a queue.
// Values match enum v4l2_memory.
type KernelMemory uint32

const (
	KernelMemoryMMAP    KernelMemory = 1
	KernelMemoryUserPtr KernelMemory = 2
	KernelMemoryDMABuf  KernelMemory = 4
)

// Field is the interlacing order of a frame. Values match enum v4l2_field.
type Field uint32

const (
	FieldAny Field = iota
	FieldNone
	FieldTop
	FieldBottom
	FieldInterlaced
	FieldSeqTB
	FieldSeqBT
	FieldAlternate
	FieldInterlacedTB
	FieldInterlacedBT
)

// DeviceFlags are per-buffer flags reported by the device on dequeue.
// Values match the V4L2_BUF_FLAG_* bits.
type DeviceFlags uint32

const (
	DeviceFlagKeyframe DeviceFlags = 0x00000008
	DeviceFlagPFrame   DeviceFlags = 0x00000010
	DeviceFlagBFrame   DeviceFlags = 0x00000020
	DeviceFlagError    DeviceFlags = 0x00000040
	DeviceFlagLast     DeviceFlags = 0x00100000
)

// DeviceCaps describes what the device supports for streaming I/O.
type DeviceCaps struct {
	MMAP    bool
	UserPtr bool
	DMABuf  bool

	// CreateBuffers reports that slots can be added after the initial request.
	CreateBuffers bool
	// OrphanedBuffers reports that buffers may be released while still mapped.
	OrphanedBuffers bool
	// CanPoll is false for legacy drivers that do not implement poll().
	CanPoll bool
	// M2M marks memory-to-memory devices (codecs, scalers).
	M2M bool
}

// Supports reports whether the device accepts the given memory type.
func (c DeviceCaps) Supports(mem KernelMemory) bool {
	switch mem {
	case KernelMemoryMMAP:
		return c.MMAP
	case KernelMemoryUserPtr:
		return c.UserPtr
	case KernelMemoryDMABuf:
		return c.DMABuf
	}
	return false
}

// Format is the frozen format descriptor negotiated before the pool is
// configured.
type Format struct {
	PlaneCount       int
	PlaneSizes       []uint32
	TotalSize        uint32
	DriverMinBuffers int
	Field            Field

	// Encoded formats carry compressed payloads of variable size.
	Encoded bool
	// IntraOnly formats (JPEG family) never produce delta frames.
	IntraOnly bool
	// Emulated formats are converted in user space and cannot grow.
	Emulated bool
	// NeedsVideoMeta is set when the layout differs from the default one
	// for the pixel format, so consumers need plane sizes.
	NeedsVideoMeta bool
}

// PlaneInfo describes one plane of a kernel buffer.
type PlaneInfo struct {
	Length     uint32
	BytesUsed  uint32
	DataOffset uint32
	// MemOffset is the mmap cookie for MMAP buffers.
	MemOffset uint32
}

// BufferInfo is what the device reports for a slot on query or dequeue.
type BufferInfo struct {
	Index     int
	Planes    []PlaneInfo
	Flags     DeviceFlags
	Field     Field
	Sequence  uint32
	Timestamp time.Duration
}

// QueuePlane carries the memory handed to the device for one plane.
type QueuePlane struct {
	BytesUsed  uint32
	Length     uint32
	DataOffset uint32
	// UserPtr is set for USERPTR queues.
	UserPtr []byte
	// FD is set for DMABUF queues.
	FD int
}

// QueueRequest is a single enqueue.
type QueueRequest struct {
	Index     int
	Memory    KernelMemory
	Planes    []QueuePlane
	Field     Field
	Timestamp time.Duration
}

// PollEvents is the readiness reported by Device.Poll.
type PollEvents uint8

const (
	PollReady PollEvents = 1 << iota
	PollPriority
	PollError
)

// Device event types and source change bits.
const (
	EventEOS          uint32 = 2
	EventSourceChange uint32 = 5

	SourceChangeResolution uint32 = 1
)

// DeviceEvent is an asynchronous device notification.
type DeviceEvent struct {
	Type    uint32
	Changes uint32
}

// Device is the thin translation of streaming I/O into device calls.
// Implementations return raw OS errors; the allocator translates them.
type Device interface {
	Caps() DeviceCaps

	RequestBuffers(count int, mem KernelMemory) (int, error)
	CreateBuffers(count int, mem KernelMemory, format Format) (first, granted int, err error)
	QueryBuffer(index int, mem KernelMemory) (BufferInfo, error)

	Map(index, plane int, info PlaneInfo) ([]byte, error)
	Unmap(data []byte) error
	Export(index, plane int) (int, error)
	CloseExport(fd int) error

	Queue(req *QueueRequest) error
	Dequeue(mem KernelMemory, planes int) (BufferInfo, error)

	StreamOn() error
	StreamOff() error

	// Poll waits up to timeout for readiness. A negative timeout waits until
	// ctx is done.
	Poll(ctx context.Context, timeout time.Duration) (PollEvents, error)
	SubscribeEvent(eventType uint32) error
	DequeueEvent() (DeviceEvent, error)
}
