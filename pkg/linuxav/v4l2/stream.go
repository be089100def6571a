//go:build linux

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PollEvents is the readiness of a queue reported by Stream.Poll.
type PollEvents uint8

const (
	PollReady PollEvents = 1 << iota
	PollPriority
	PollError
)

// Stream is one queue of an open video device.
//
// Memory-to-memory devices keep both queues on the same file descriptor;
// use Pair to reach the second queue.
type Stream struct {
	path  string
	fd    int
	typ   BufType
	owner *Stream

	mu   sync.Mutex
	pins map[uint32]*runtime.Pinner
}

// Open opens the device at path and returns the queue of the given type.
func Open(path string, typ BufType) (*Stream, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s := &Stream{path: path, fd: fd, typ: typ, pins: make(map[uint32]*runtime.Pinner)}
	s.owner = s
	return s, nil
}

// Pair returns the queue of type typ sharing this stream's descriptor.
// Only the stream returned by Open closes the descriptor.
func (s *Stream) Pair(typ BufType) *Stream {
	return &Stream{path: s.path, fd: s.fd, typ: typ, owner: s.owner, pins: make(map[uint32]*runtime.Pinner)}
}

// Path returns the device node of the stream.
func (s *Stream) Path() string { return s.path }

// Type returns the queue type.
func (s *Stream) Type() BufType { return s.typ }

// Close unpins queued user memory and, for the owning stream, closes the device.
func (s *Stream) Close() error {
	s.unpinAll()
	if s.owner != s {
		return nil
	}
	return closeFD(s.fd)
}

// Probe queries device identity and the streaming capabilities of the queue.
// It frees any buffers allocated on the queue.
func (s *Stream) Probe() (Capabilities, error) {
	caps, err := queryCap(s.fd)
	if err != nil {
		return caps, err
	}

	req := v4l2_requestbuffers{typ: uint32(s.typ), memory: V4L2_MEMORY_MMAP}
	if err := ioctl(s.fd, VIDIOC_REQBUFS, unsafe.Pointer(&req)); err == nil {
		caps.BufCaps = req.capabilities
	}
	if caps.BufCaps == 0 {
		// Kernels before 4.20 do not report capabilities; try each type.
		// Memory type values equal their V4L2_BUF_CAP_SUPPORTS_* bits.
		for _, mem := range []uint32{V4L2_MEMORY_MMAP, V4L2_MEMORY_USERPTR, V4L2_MEMORY_DMABUF} {
			req := v4l2_requestbuffers{typ: uint32(s.typ), memory: mem}
			if ioctl(s.fd, VIDIOC_REQBUFS, unsafe.Pointer(&req)) == nil {
				caps.BufCaps |= mem
			}
		}
	}

	cb := v4l2_create_buffers{memory: V4L2_MEMORY_MMAP}
	cb.format.typ = uint32(s.typ)
	if ioctl(s.fd, VIDIOC_G_FMT, unsafe.Pointer(&cb.format)) == nil {
		caps.CreateBufs = ioctl(s.fd, VIDIOC_CREATE_BUFS, unsafe.Pointer(&cb)) == nil
	}

	return caps, nil
}

// Formats enumerates the pixel formats of the queue.
func (s *Stream) Formats() ([]FormatInfo, error) {
	return enumFormats(s.fd, s.typ)
}

// GetFormat returns the current format of the queue.
func (s *Stream) GetFormat() (Format, error) {
	f := v4l2_format{typ: uint32(s.typ)}
	if err := ioctl(s.fd, VIDIOC_G_FMT, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}
	return Format{
		Width:        f.pix.width,
		Height:       f.pix.height,
		PixelFormat:  f.pix.pixelformat,
		Field:        f.pix.field,
		BytesPerLine: f.pix.bytesperline,
		SizeImage:    f.pix.sizeimage,
		Flags:        f.pix.flags,
	}, nil
}

// MinBuffers returns the number of buffers the driver needs to stream,
// or 0 when the driver does not say.
func (s *Stream) MinBuffers() (int, error) {
	ctrl := v4l2_control{id: V4L2_CID_MIN_BUFFERS_FOR_CAPTURE}
	if s.typ == BufTypeVideoOutput {
		ctrl.id = V4L2_CID_MIN_BUFFERS_FOR_OUTPUT
	}
	if err := ioctl(s.fd, VIDIOC_G_CTRL, unsafe.Pointer(&ctrl)); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) {
			return 0, nil
		}
		return 0, fmt.Errorf("VIDIOC_G_CTRL: %w", err)
	}
	return int(ctrl.value), nil
}

// RequestBuffers allocates count buffers and returns the number granted.
// A count of zero frees all buffers.
func (s *Stream) RequestBuffers(count int, mem Memory) (int, error) {
	req := v4l2_requestbuffers{count: uint32(count), typ: uint32(s.typ), memory: uint32(mem)}
	if err := ioctl(s.fd, VIDIOC_REQBUFS, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	if count == 0 {
		s.unpinAll()
	}
	return int(req.count), nil
}

// CreateBuffers adds count buffers of at least sizeImage bytes to the queue.
// It returns the index of the first new buffer and the number created.
func (s *Stream) CreateBuffers(count int, mem Memory, sizeImage uint32) (first, granted int, err error) {
	cb := v4l2_create_buffers{count: uint32(count), memory: uint32(mem)}
	cb.format.typ = uint32(s.typ)
	if err := ioctl(s.fd, VIDIOC_G_FMT, unsafe.Pointer(&cb.format)); err != nil {
		return 0, 0, err
	}
	if sizeImage > cb.format.pix.sizeimage {
		cb.format.pix.sizeimage = sizeImage
	}
	if err := ioctl(s.fd, VIDIOC_CREATE_BUFS, unsafe.Pointer(&cb)); err != nil {
		return 0, 0, err
	}
	return int(cb.index), int(cb.count), nil
}

// QueryBuffer returns the state of buffer index.
func (s *Stream) QueryBuffer(index uint32, mem Memory) (BufferInfo, error) {
	b := v4l2_buffer{index: index, typ: uint32(s.typ), memory: uint32(mem)}
	if err := ioctl(s.fd, VIDIOC_QUERYBUF, unsafe.Pointer(&b)); err != nil {
		return BufferInfo{}, err
	}
	return bufferInfo(&b), nil
}

// Mmap maps an MMAP buffer into memory.
func (s *Stream) Mmap(offset, length uint32) ([]byte, error) {
	return unix.Mmap(s.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Munmap unmaps memory returned by Mmap.
func Munmap(data []byte) error {
	return unix.Munmap(data)
}

// ExportBuffer exports an MMAP buffer as a dmabuf file descriptor.
func (s *Stream) ExportBuffer(index uint32) (int, error) {
	exp := v4l2_exportbuffer{typ: uint32(s.typ), index: index, flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := ioctl(s.fd, VIDIOC_EXPBUF, unsafe.Pointer(&exp)); err != nil {
		return -1, err
	}
	return int(exp.fd), nil
}

// Queue hands a buffer to the driver.
func (s *Stream) Queue(q *QueueBuffer) error {
	b := v4l2_buffer{
		index:     q.Index,
		typ:       uint32(s.typ),
		bytesused: q.BytesUsed,
		field:     q.Field,
		memory:    uint32(q.Memory),
		length:    q.Length,
	}
	b.setTimestamp(q.Timestamp)

	var pin *runtime.Pinner
	switch q.Memory {
	case MemoryUserPtr:
		if len(q.UserPtr) == 0 {
			return unix.EINVAL
		}
		pin = &runtime.Pinner{}
		pin.Pin(&q.UserPtr[0])
		b.setUserPtr(uintptr(unsafe.Pointer(&q.UserPtr[0])))
		if b.length == 0 {
			b.length = uint32(len(q.UserPtr))
		}
	case MemoryDMABuf:
		b.setFD(int32(q.FD))
	}

	if err := ioctl(s.fd, VIDIOC_QBUF, unsafe.Pointer(&b)); err != nil {
		if pin != nil {
			pin.Unpin()
		}
		return err
	}

	if pin != nil {
		s.mu.Lock()
		if old := s.pins[q.Index]; old != nil {
			old.Unpin()
		}
		s.pins[q.Index] = pin
		s.mu.Unlock()
	}
	return nil
}

// Dequeue takes a finished buffer from the driver. It returns EAGAIN when
// none is ready and EPIPE once the last buffer was dequeued.
func (s *Stream) Dequeue(mem Memory) (BufferInfo, error) {
	b := v4l2_buffer{typ: uint32(s.typ), memory: uint32(mem)}
	if err := ioctl(s.fd, VIDIOC_DQBUF, unsafe.Pointer(&b)); err != nil {
		return BufferInfo{}, err
	}
	if mem == MemoryUserPtr {
		s.unpin(b.index)
	}
	return bufferInfo(&b), nil
}

// StreamOn starts streaming on the queue.
func (s *Stream) StreamOn() error {
	typ := uint32(s.typ)
	return ioctl(s.fd, VIDIOC_STREAMON, unsafe.Pointer(&typ))
}

// StreamOff stops streaming and returns all buffers to user space.
func (s *Stream) StreamOff() error {
	typ := uint32(s.typ)
	err := ioctl(s.fd, VIDIOC_STREAMOFF, unsafe.Pointer(&typ))
	s.unpinAll()
	return err
}

// Poll waits until the queue has a buffer to dequeue, an event is pending,
// or timeout passes. A negative timeout waits until ctx is done. A zero
// result with a nil error means the timeout expired.
func (s *Stream) Poll(ctx context.Context, timeout time.Duration) (PollEvents, error) {
	events := int16(unix.POLLIN | unix.POLLPRI)
	if s.typ == BufTypeVideoOutput {
		events = unix.POLLOUT | unix.POLLPRI
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}

	if ctx.Done() != nil {
		wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			return 0, fmt.Errorf("eventfd: %w", err)
		}
		defer unix.Close(wake)
		stop := context.AfterFunc(ctx, func() {
			one := [8]byte{1}
			_, _ = unix.Write(wake, one[:])
		})
		defer stop()
		fds = append(fds, unix.PollFd{Fd: int32(wake), Events: unix.POLLIN})
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ms := -1
		if timeout >= 0 {
			ms = max(int(time.Until(deadline).Milliseconds()), 0)
		}

		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		if len(fds) > 1 && fds[1].Revents != 0 {
			return 0, ctx.Err()
		}

		var ev PollEvents
		r := fds[0].Revents
		if r&(unix.POLLIN|unix.POLLOUT) != 0 {
			ev |= PollReady
		}
		if r&unix.POLLPRI != 0 {
			ev |= PollPriority
		}
		if r&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ev |= PollError
		}
		return ev, nil
	}
}

// SubscribeEvent subscribes the device to an event type.
func (s *Stream) SubscribeEvent(typ uint32) error {
	sub := v4l2_event_subscription{typ: typ}
	return ioctl(s.fd, VIDIOC_SUBSCRIBE_EVENT, unsafe.Pointer(&sub))
}

// UnsubscribeEvent removes a subscription made with SubscribeEvent.
func (s *Stream) UnsubscribeEvent(typ uint32) error {
	sub := v4l2_event_subscription{typ: typ}
	return ioctl(s.fd, VIDIOC_UNSUBSCRIBE_EVENT, unsafe.Pointer(&sub))
}

// DequeueEvent takes the next pending event. It returns ENOENT when no
// event is pending.
func (s *Stream) DequeueEvent() (Event, error) {
	var ev v4l2_event
	if err := ioctl(s.fd, VIDIOC_DQEVENT, unsafe.Pointer(&ev)); err != nil {
		return Event{}, err
	}
	out := Event{Type: ev.typ, Pending: ev.pending, Sequence: ev.sequence}
	if ev.typ == V4L2_EVENT_SOURCE_CHANGE {
		out.Changes = srcChanges(&ev.u)
	}
	return out, nil
}

func (s *Stream) unpin(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pins[index]; p != nil {
		p.Unpin()
		delete(s.pins, index)
	}
}

func (s *Stream) unpinAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pins {
		p.Unpin()
		delete(s.pins, i)
	}
}

func bufferInfo(b *v4l2_buffer) BufferInfo {
	return BufferInfo{
		Index:     b.index,
		BytesUsed: b.bytesused,
		Flags:     b.flags,
		Field:     b.field,
		Sequence:  b.sequence,
		Timestamp: b.timestamp(),
		Memory:    Memory(b.memory),
		Offset:    b.offset(),
		Length:    b.length,
	}
}
