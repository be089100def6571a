//go:build linux

package v4l2

// https://github.com/torvalds/linux/blob/master/include/uapi/linux/videodev2.h
//
// Structures with the same layout on every supported architecture.

// IOCTL constants shared by 32-bit and 64-bit layouts.
const (
	VIDIOC_QUERYCAP          = 0x80685600
	VIDIOC_ENUM_FMT          = 0xc0405602
	VIDIOC_REQBUFS           = 0xc0145608
	VIDIOC_EXPBUF            = 0xc0405610
	VIDIOC_STREAMON          = 0x40045612
	VIDIOC_STREAMOFF         = 0x40045613
	VIDIOC_G_CTRL            = 0xc008561b
	VIDIOC_SUBSCRIBE_EVENT   = 0x4020565a
	VIDIOC_UNSUBSCRIBE_EVENT = 0x4020565b
)

// v4l2_capability - size 104 bytes
type v4l2_capability struct {
	driver       [16]byte  // offset 0
	card         [32]byte  // offset 16
	bus_info     [32]byte  // offset 48
	version      uint32    // offset 80
	capabilities uint32    // offset 84
	device_caps  uint32    // offset 88
	reserved     [3]uint32 // offset 92
}

// v4l2_fmtdesc - size 64 bytes
type v4l2_fmtdesc struct {
	index       uint32    // offset 0
	typ         uint32    // offset 4
	flags       uint32    // offset 8
	description [32]byte  // offset 12
	pixelformat uint32    // offset 44
	mbus_code   uint32    // offset 48
	reserved    [3]uint32 // offset 52
}

// v4l2_pix_format - size 48 bytes
type v4l2_pix_format struct {
	width        uint32 // offset 0
	height       uint32 // offset 4
	pixelformat  uint32 // offset 8
	field        uint32 // offset 12
	bytesperline uint32 // offset 16
	sizeimage    uint32 // offset 20
	colorspace   uint32 // offset 24
	priv         uint32 // offset 28
	flags        uint32 // offset 32
	ycbcr_enc    uint32 // offset 36
	quantization uint32 // offset 40
	xfer_func    uint32 // offset 44
}

// v4l2_requestbuffers - size 20 bytes
type v4l2_requestbuffers struct {
	count        uint32   // offset 0
	typ          uint32   // offset 4
	memory       uint32   // offset 8
	capabilities uint32   // offset 12
	flags        uint8    // offset 16
	reserved     [3]uint8 // offset 17
}

// v4l2_timecode - size 16 bytes
type v4l2_timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2_exportbuffer - size 64 bytes
type v4l2_exportbuffer struct {
	typ      uint32     // offset 0
	index    uint32     // offset 4
	plane    uint32     // offset 8
	flags    uint32     // offset 12
	fd       int32      // offset 16
	reserved [11]uint32 // offset 20
}

// v4l2_control - size 8 bytes
type v4l2_control struct {
	id    uint32
	value int32
}

// v4l2_event_subscription - size 32 bytes
type v4l2_event_subscription struct {
	typ      uint32    // offset 0
	id       uint32    // offset 4
	flags    uint32    // offset 8
	reserved [5]uint32 // offset 12
}

// srcChanges extracts the changes field of struct v4l2_event_src_change,
// which starts the event union.
func srcChanges(u *[64]byte) uint32 {
	return uint32(u[0]) | uint32(u[1])<<8 | uint32(u[2])<<16 | uint32(u[3])<<24
}
