//go:build linux

package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/pkg/linuxav/v4l2"
	"golang.org/x/sys/unix"
)

// OpenV4L2 opens a V4L2 device queue. It is the default Opener.
func OpenV4L2(spec config.PoolSpec) (Device, error) {
	typ := v4l2.BufTypeVideoCapture
	if direction(spec) == bufferpool.Output {
		typ = v4l2.BufTypeVideoOutput
	}
	path := spec.Device
	if !strings.HasPrefix(path, "/") {
		resolved, err := v4l2.GetDevicePathByID(path)
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	s, err := v4l2.Open(path, typ)
	if err != nil {
		return nil, err
	}
	dev, err := newV4L2Device(s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return dev, nil
}

// v4l2Device translates bufferpool.Device calls into V4L2 ioctls on a
// single-planar queue.
type v4l2Device struct {
	s    *v4l2.Stream
	caps bufferpool.DeviceCaps
}

func newV4L2Device(s *v4l2.Stream) (*v4l2Device, error) {
	c, err := s.Probe()
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", s.Path(), err)
	}
	if !c.Supports(v4l2.MemoryMMAP) && !c.Supports(v4l2.MemoryUserPtr) && !c.Supports(v4l2.MemoryDMABuf) {
		return nil, fmt.Errorf("%s: %s queue does not support streaming I/O", s.Path(), s.Type())
	}
	return &v4l2Device{
		s: s,
		caps: bufferpool.DeviceCaps{
			MMAP:            c.Supports(v4l2.MemoryMMAP),
			UserPtr:         c.Supports(v4l2.MemoryUserPtr),
			DMABuf:          c.Supports(v4l2.MemoryDMABuf),
			CreateBuffers:   c.CreateBufs,
			OrphanedBuffers: c.OrphanedBuffers(),
			CanPoll:         true,
			M2M:             c.M2M(),
		},
	}, nil
}

func (d *v4l2Device) Caps() bufferpool.DeviceCaps { return d.caps }

func (d *v4l2Device) Format() (bufferpool.Format, error) {
	f, err := d.s.GetFormat()
	if err != nil {
		return bufferpool.Format{}, err
	}
	minBuffers, err := d.s.MinBuffers()
	if err != nil {
		return bufferpool.Format{}, err
	}

	out := bufferpool.Format{
		PlaneCount:       1,
		PlaneSizes:       []uint32{f.SizeImage},
		TotalSize:        f.SizeImage,
		DriverMinBuffers: minBuffers,
		Field:            bufferpool.Field(f.Field),
	}

	formats, err := d.s.Formats()
	if err != nil {
		return bufferpool.Format{}, err
	}
	for _, fi := range formats {
		if fi.PixelFormat != f.PixelFormat {
			continue
		}
		out.Encoded = fi.Compressed
		out.Emulated = fi.Emulated
		break
	}
	switch f.PixelFormat {
	case v4l2.V4L2_PIX_FMT_MJPEG, v4l2.V4L2_PIX_FMT_JPEG:
		out.IntraOnly = true
	}
	if !out.Encoded && f.BytesPerLine*f.Height != f.SizeImage {
		out.NeedsVideoMeta = true
	}
	return out, nil
}

func (d *v4l2Device) RequestBuffers(count int, mem bufferpool.KernelMemory) (int, error) {
	return d.s.RequestBuffers(count, v4l2.Memory(mem))
}

func (d *v4l2Device) CreateBuffers(count int, mem bufferpool.KernelMemory, format bufferpool.Format) (int, int, error) {
	return d.s.CreateBuffers(count, v4l2.Memory(mem), format.TotalSize)
}

func (d *v4l2Device) QueryBuffer(index int, mem bufferpool.KernelMemory) (bufferpool.BufferInfo, error) {
	b, err := d.s.QueryBuffer(uint32(index), v4l2.Memory(mem))
	if err != nil {
		return bufferpool.BufferInfo{}, err
	}
	return bufferInfo(b), nil
}

func (d *v4l2Device) Map(_, _ int, info bufferpool.PlaneInfo) ([]byte, error) {
	return d.s.Mmap(info.MemOffset, info.Length)
}

func (d *v4l2Device) Unmap(data []byte) error {
	return v4l2.Munmap(data)
}

func (d *v4l2Device) Export(index, _ int) (int, error) {
	return d.s.ExportBuffer(uint32(index))
}

func (d *v4l2Device) CloseExport(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (d *v4l2Device) Queue(req *bufferpool.QueueRequest) error {
	if len(req.Planes) != 1 {
		return fmt.Errorf("single-planar queue got %d planes", len(req.Planes))
	}
	p := req.Planes[0]
	return d.s.Queue(&v4l2.QueueBuffer{
		Index:     uint32(req.Index),
		Memory:    v4l2.Memory(req.Memory),
		BytesUsed: p.BytesUsed,
		Length:    p.Length,
		Field:     uint32(req.Field),
		Timestamp: req.Timestamp,
		UserPtr:   p.UserPtr,
		FD:        p.FD,
	})
}

func (d *v4l2Device) Dequeue(mem bufferpool.KernelMemory, _ int) (bufferpool.BufferInfo, error) {
	b, err := d.s.Dequeue(v4l2.Memory(mem))
	if err != nil {
		return bufferpool.BufferInfo{}, err
	}
	return bufferInfo(b), nil
}

func (d *v4l2Device) StreamOn() error  { return d.s.StreamOn() }
func (d *v4l2Device) StreamOff() error { return d.s.StreamOff() }

func (d *v4l2Device) Poll(ctx context.Context, timeout time.Duration) (bufferpool.PollEvents, error) {
	ev, err := d.s.Poll(ctx, timeout)
	if err != nil {
		return 0, err
	}
	var out bufferpool.PollEvents
	if ev&v4l2.PollReady != 0 {
		out |= bufferpool.PollReady
	}
	if ev&v4l2.PollPriority != 0 {
		out |= bufferpool.PollPriority
	}
	if ev&v4l2.PollError != 0 {
		out |= bufferpool.PollError
	}
	return out, nil
}

func (d *v4l2Device) SubscribeEvent(eventType uint32) error {
	return d.s.SubscribeEvent(eventType)
}

func (d *v4l2Device) DequeueEvent() (bufferpool.DeviceEvent, error) {
	ev, err := d.s.DequeueEvent()
	if err != nil {
		return bufferpool.DeviceEvent{}, err
	}
	return bufferpool.DeviceEvent{Type: ev.Type, Changes: ev.Changes}, nil
}

func (d *v4l2Device) Close() error {
	return d.s.Close()
}

func bufferInfo(b v4l2.BufferInfo) bufferpool.BufferInfo {
	return bufferpool.BufferInfo{
		Index: int(b.Index),
		Planes: []bufferpool.PlaneInfo{{
			Length:    b.Length,
			BytesUsed: b.BytesUsed,
			MemOffset: b.Offset,
		}},
		Flags:     bufferpool.DeviceFlags(b.Flags),
		Field:     bufferpool.Field(b.Field),
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp,
	}
}
