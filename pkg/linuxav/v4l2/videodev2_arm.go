//go:build linux && arm && !arm64

package v4l2

import (
	"time"
	"unsafe"
)

// Compile-time struct size assertions for 32-bit ARM.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2_capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2_fmtdesc{})]byte{}
	_ [48]byte  = [unsafe.Sizeof(v4l2_pix_format{})]byte{}
	_ [204]byte = [unsafe.Sizeof(v4l2_format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2_requestbuffers{})]byte{}
	_ [248]byte = [unsafe.Sizeof(v4l2_create_buffers{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2_buffer{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2_exportbuffer{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2_control{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(v4l2_event_subscription{})]byte{}
	_ [128]byte = [unsafe.Sizeof(v4l2_event{})]byte{}
)

// IOCTL constants for 32-bit ARM.
// struct timeval and the buffer union shrink, so the buffer ioctls differ.
const (
	VIDIOC_G_FMT       = 0xc0cc5604
	VIDIOC_QUERYBUF    = 0xc0445609
	VIDIOC_QBUF        = 0xc044560f
	VIDIOC_DQBUF       = 0xc0445611
	VIDIOC_DQEVENT     = 0x80805659 // v4l2_event is 128 bytes with EABI 8-byte union alignment
	VIDIOC_CREATE_BUFS = 0xc0f8565c
)

// v4l2_format - size 204 bytes
type v4l2_format struct {
	typ uint32          // offset 0
	pix v4l2_pix_format // offset 4
	_   [152]byte       // rest of the 200 byte union
}

// v4l2_create_buffers - size 248 bytes
type v4l2_create_buffers struct {
	index        uint32      // offset 0
	count        uint32      // offset 4
	memory       uint32      // offset 8
	format       v4l2_format // offset 12
	capabilities uint32      // offset 216
	flags        uint32      // offset 220
	reserved     [6]uint32   // offset 224
}

// v4l2_buffer - size 68 bytes
type v4l2_buffer struct {
	index      uint32        // offset 0
	typ        uint32        // offset 4
	bytesused  uint32        // offset 8
	flags      uint32        // offset 12
	field      uint32        // offset 16
	tv_sec     int32         // offset 20
	tv_usec    int32         // offset 24
	timecode   v4l2_timecode // offset 28
	sequence   uint32        // offset 44
	memory     uint32        // offset 48
	m          uint32        // offset 52 - union of offset, userptr, planes, fd
	length     uint32        // offset 56
	reserved2  uint32        // offset 60
	request_fd int32         // offset 64
}

func (b *v4l2_buffer) offset() uint32 {
	return b.m
}

func (b *v4l2_buffer) setUserPtr(p uintptr) {
	b.m = uint32(p)
}

func (b *v4l2_buffer) setFD(fd int32) {
	b.m = uint32(fd)
}

func (b *v4l2_buffer) timestamp() time.Duration {
	return time.Duration(b.tv_sec)*time.Second + time.Duration(b.tv_usec)*time.Microsecond
}

func (b *v4l2_buffer) setTimestamp(d time.Duration) {
	b.tv_sec = int32(d / time.Second)
	b.tv_usec = int32((d % time.Second) / time.Microsecond)
}

// v4l2_event - size 128 bytes
type v4l2_event struct {
	typ      uint32    // offset 0
	_        uint32    // padding
	u        [64]byte  // offset 8
	pending  uint32    // offset 72
	sequence uint32    // offset 76
	tv_sec   int32     // offset 80 - struct timespec
	tv_nsec  int32     // offset 84
	id       uint32    // offset 88
	reserved [8]uint32 // offset 92
	_        uint32    // padding to 128
}
