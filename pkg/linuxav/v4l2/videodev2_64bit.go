//go:build linux && (amd64 || arm64)

package v4l2

import (
	"time"
	"unsafe"
)

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2_capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2_fmtdesc{})]byte{}
	_ [48]byte  = [unsafe.Sizeof(v4l2_pix_format{})]byte{}
	_ [208]byte = [unsafe.Sizeof(v4l2_format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2_requestbuffers{})]byte{}
	_ [256]byte = [unsafe.Sizeof(v4l2_create_buffers{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2_buffer{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2_exportbuffer{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2_control{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(v4l2_event_subscription{})]byte{}
	_ [136]byte = [unsafe.Sizeof(v4l2_event{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	VIDIOC_G_FMT       = 0xc0d05604
	VIDIOC_QUERYBUF    = 0xc0585609
	VIDIOC_QBUF        = 0xc058560f
	VIDIOC_DQBUF       = 0xc0585611
	VIDIOC_DQEVENT     = 0x80885659
	VIDIOC_CREATE_BUFS = 0xc100565c
)

// v4l2_format - size 208 bytes. The union is 8-byte aligned.
type v4l2_format struct {
	typ uint32          // offset 0
	_   uint32          // padding
	pix v4l2_pix_format // offset 8
	_   [152]byte       // rest of the 200 byte union
}

// v4l2_create_buffers - size 256 bytes
type v4l2_create_buffers struct {
	index        uint32      // offset 0
	count        uint32      // offset 4
	memory       uint32      // offset 8
	_            uint32      // padding
	format       v4l2_format // offset 16
	capabilities uint32      // offset 224
	flags        uint32      // offset 228
	reserved     [6]uint32   // offset 232
}

// v4l2_buffer - size 88 bytes
type v4l2_buffer struct {
	index      uint32        // offset 0
	typ        uint32        // offset 4
	bytesused  uint32        // offset 8
	flags      uint32        // offset 12
	field      uint32        // offset 16
	_          uint32        // padding
	tv_sec     int64         // offset 24
	tv_usec    int64         // offset 32
	timecode   v4l2_timecode // offset 40
	sequence   uint32        // offset 56
	memory     uint32        // offset 60
	m          uint64        // offset 64 - union of offset, userptr, planes, fd
	length     uint32        // offset 72
	reserved2  uint32        // offset 76
	request_fd int32         // offset 80
	_          uint32        // padding
}

func (b *v4l2_buffer) offset() uint32 {
	return uint32(b.m)
}

func (b *v4l2_buffer) setUserPtr(p uintptr) {
	b.m = uint64(p)
}

func (b *v4l2_buffer) setFD(fd int32) {
	b.m = uint64(uint32(fd))
}

func (b *v4l2_buffer) timestamp() time.Duration {
	return time.Duration(b.tv_sec)*time.Second + time.Duration(b.tv_usec)*time.Microsecond
}

func (b *v4l2_buffer) setTimestamp(d time.Duration) {
	b.tv_sec = int64(d / time.Second)
	b.tv_usec = int64((d % time.Second) / time.Microsecond)
}

// v4l2_event - size 136 bytes. The union is 8-byte aligned.
type v4l2_event struct {
	typ      uint32    // offset 0
	_        uint32    // padding
	u        [64]byte  // offset 8
	pending  uint32    // offset 72
	sequence uint32    // offset 76
	tv_sec   int64     // offset 80 - struct timespec
	tv_nsec  int64     // offset 88
	id       uint32    // offset 96
	reserved [8]uint32 // offset 100
	_        uint32    // padding to 136
}
