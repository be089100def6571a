//go:build linux

package v4l2

import "time"

// DeviceInfo contains information about a V4L2 device.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	DeviceID   string // Stable identifier (from /dev/v4l/by-id/ or synthetic)
	Driver     string
	Caps       uint32
}

// IsCapture reports whether the device has a capture queue.
func (d DeviceInfo) IsCapture() bool {
	return d.Caps&(V4L2_CAP_VIDEO_CAPTURE|V4L2_CAP_VIDEO_M2M) != 0
}

// IsOutput reports whether the device has an output queue.
func (d DeviceInfo) IsOutput() bool {
	return d.Caps&(V4L2_CAP_VIDEO_OUTPUT|V4L2_CAP_VIDEO_M2M) != 0
}

// IsM2M reports whether the device is a memory-to-memory device.
func (d DeviceInfo) IsM2M() bool {
	return d.Caps&V4L2_CAP_VIDEO_M2M != 0
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Compressed  bool
	Emulated    bool
}

// BufType selects the queue of a device.
type BufType uint32

// Single-planar buffer types.
const (
	BufTypeVideoCapture BufType = V4L2_BUF_TYPE_VIDEO_CAPTURE
	BufTypeVideoOutput  BufType = V4L2_BUF_TYPE_VIDEO_OUTPUT
)

func (t BufType) String() string {
	switch t {
	case BufTypeVideoCapture:
		return "capture"
	case BufTypeVideoOutput:
		return "output"
	}
	return "unknown"
}

// Memory is the memory type of a queue.
type Memory uint32

// Memory types.
const (
	MemoryMMAP    Memory = V4L2_MEMORY_MMAP
	MemoryUserPtr Memory = V4L2_MEMORY_USERPTR
	MemoryDMABuf  Memory = V4L2_MEMORY_DMABUF
)

// Capabilities describes what a queue supports for streaming I/O.
type Capabilities struct {
	Driver     string
	Card       string
	BusInfo    string
	DeviceCaps uint32
	// BufCaps are the V4L2_BUF_CAP_* bits reported by REQBUFS.
	BufCaps uint32
	// CreateBufs is set when VIDIOC_CREATE_BUFS is implemented.
	CreateBufs bool
}

// Supports reports whether mem can be requested on the queue.
func (c Capabilities) Supports(mem Memory) bool {
	switch mem {
	case MemoryMMAP:
		return c.BufCaps&V4L2_BUF_CAP_SUPPORTS_MMAP != 0
	case MemoryUserPtr:
		return c.BufCaps&V4L2_BUF_CAP_SUPPORTS_USERPTR != 0
	case MemoryDMABuf:
		return c.BufCaps&V4L2_BUF_CAP_SUPPORTS_DMABUF != 0
	}
	return false
}

// OrphanedBuffers reports whether buffers may outlive REQBUFS(0).
func (c Capabilities) OrphanedBuffers() bool {
	return c.BufCaps&V4L2_BUF_CAP_SUPPORTS_ORPHANED_BUFS != 0
}

// M2M reports whether the device is a memory-to-memory device.
func (c Capabilities) M2M() bool {
	return c.DeviceCaps&V4L2_CAP_VIDEO_M2M != 0
}

// Format is the single-planar pixel format of a queue.
type Format struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Flags        uint32
}

// BufferInfo is what the driver reports for a buffer on query or dequeue.
type BufferInfo struct {
	Index     uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Sequence  uint32
	Timestamp time.Duration
	Memory    Memory
	// Offset is the mmap cookie of MMAP buffers.
	Offset uint32
	Length uint32
}

// QueueBuffer describes a buffer handed to the driver.
type QueueBuffer struct {
	Index     uint32
	Memory    Memory
	BytesUsed uint32
	Length    uint32
	Field     uint32
	Timestamp time.Duration
	// UserPtr is the memory of USERPTR buffers. It stays pinned until the
	// buffer is dequeued.
	UserPtr []byte
	// FD is the dmabuf of DMABUF buffers.
	FD int
}

// Event is a dequeued V4L2 event.
type Event struct {
	Type     uint32
	Changes  uint32
	Pending  uint32
	Sequence uint32
}

// Capability flags.
const (
	V4L2_CAP_VIDEO_CAPTURE = 0x00000001
	V4L2_CAP_VIDEO_OUTPUT  = 0x00000002
	V4L2_CAP_VIDEO_M2M     = 0x00008000
	V4L2_CAP_STREAMING     = 0x04000000
	V4L2_CAP_DEVICE_CAPS   = 0x80000000
)

// Buffer capability flags reported by REQBUFS and CREATE_BUFS.
const (
	V4L2_BUF_CAP_SUPPORTS_MMAP          = 1 << 0
	V4L2_BUF_CAP_SUPPORTS_USERPTR       = 1 << 1
	V4L2_BUF_CAP_SUPPORTS_DMABUF        = 1 << 2
	V4L2_BUF_CAP_SUPPORTS_REQUESTS      = 1 << 3
	V4L2_BUF_CAP_SUPPORTS_ORPHANED_BUFS = 1 << 4
)

// Format flags.
const (
	V4L2_FMT_FLAG_COMPRESSED = 0x0001
	V4L2_FMT_FLAG_EMULATED   = 0x0002
)

// Buffer types.
const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1
	V4L2_BUF_TYPE_VIDEO_OUTPUT  = 2
)

// Memory types.
const (
	V4L2_MEMORY_MMAP    = 1
	V4L2_MEMORY_USERPTR = 2
	V4L2_MEMORY_DMABUF  = 4
)

// Buffer flags.
const (
	V4L2_BUF_FLAG_MAPPED         = 0x00000001
	V4L2_BUF_FLAG_QUEUED         = 0x00000002
	V4L2_BUF_FLAG_DONE           = 0x00000004
	V4L2_BUF_FLAG_KEYFRAME       = 0x00000008
	V4L2_BUF_FLAG_PFRAME         = 0x00000010
	V4L2_BUF_FLAG_BFRAME         = 0x00000020
	V4L2_BUF_FLAG_ERROR          = 0x00000040
	V4L2_BUF_FLAG_TIMESTAMP_COPY = 0x00004000
	V4L2_BUF_FLAG_LAST           = 0x00100000
)

// Event types.
const (
	V4L2_EVENT_EOS           = 2
	V4L2_EVENT_SOURCE_CHANGE = 5

	V4L2_EVENT_SRC_CH_RESOLUTION = 1 << 0
)

// Controls.
const (
	V4L2_CID_MIN_BUFFERS_FOR_CAPTURE = 0x00980927
	V4L2_CID_MIN_BUFFERS_FOR_OUTPUT  = 0x00980928
)

// Event types accepted by SubscribeEvent.
const (
	EventEOS          = V4L2_EVENT_EOS
	EventSourceChange = V4L2_EVENT_SOURCE_CHANGE
)

// Common pixel formats.
const (
	V4L2_PIX_FMT_YUYV  = 0x56595559 // 'YUYV'
	V4L2_PIX_FMT_MJPEG = 0x47504A4D // 'MJPG'
	V4L2_PIX_FMT_JPEG  = 0x4745504A // 'JPEG'
	V4L2_PIX_FMT_H264  = 0x34363248 // 'H264'
	V4L2_PIX_FMT_HEVC  = 0x43564548 // 'HEVC'
	V4L2_PIX_FMT_NV12  = 0x3231564E // 'NV12'
)

// Field orders.
const (
	V4L2_FIELD_ANY  = 0
	V4L2_FIELD_NONE = 1
)
