package session

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
)

// fakeDevice is an MMAP queue that completes every queued buffer at once.
type fakeDevice struct {
	mu      sync.Mutex
	changed chan struct{}

	caps   bufferpool.DeviceCaps
	size   uint32
	closed bool

	// eosAfter ends the stream after that many frames; 0 never ends.
	eosAfter uint32
	// changeAt raises a resolution change once that frame was dequeued.
	changeAt uint32
	// changedSize is the frame size reported after the change.
	changedSize uint32
	// stall reports every poll ready while no dequeue succeeds.
	stall bool

	count     int
	done      []int
	events    []bufferpool.DeviceEvent
	sequence  uint32
	streaming bool
	formats   int
	reqbufs   int
	dequeues  int
}

func newFakeDevice(size uint32) *fakeDevice {
	return &fakeDevice{
		changed: make(chan struct{}),
		size:    size,
		caps: bufferpool.DeviceCaps{
			MMAP:            true,
			UserPtr:         true,
			CanPoll:         true,
			OrphanedBuffers: true,
		},
	}
}

func (d *fakeDevice) opener() Opener {
	return func(config.PoolSpec) (Device, error) { return d, nil }
}

func (d *fakeDevice) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *fakeDevice) Caps() bufferpool.DeviceCaps { return d.caps }

func (d *fakeDevice) Format() (bufferpool.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formats++
	return bufferpool.Format{
		PlaneCount: 1,
		PlaneSizes: []uint32{d.size},
		TotalSize:  d.size,
		Field:      bufferpool.FieldNone,
	}, nil
}

func (d *fakeDevice) RequestBuffers(count int, _ bufferpool.KernelMemory) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqbufs++
	d.count = count
	if count == 0 {
		d.done = nil
	}
	return count, nil
}

func (d *fakeDevice) CreateBuffers(int, bufferpool.KernelMemory, bufferpool.Format) (int, int, error) {
	return 0, 0, syscall.ENOTTY
}

func (d *fakeDevice) QueryBuffer(index int, _ bufferpool.KernelMemory) (bufferpool.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= d.count {
		return bufferpool.BufferInfo{}, syscall.EINVAL
	}
	return bufferpool.BufferInfo{
		Index:  index,
		Planes: []bufferpool.PlaneInfo{{Length: d.size, MemOffset: uint32(index) * 4096}},
	}, nil
}

func (d *fakeDevice) Map(_, _ int, info bufferpool.PlaneInfo) ([]byte, error) {
	return make([]byte, info.Length), nil
}

func (d *fakeDevice) Unmap([]byte) error { return nil }

func (d *fakeDevice) Export(index, plane int) (int, error) { return 100 + index + plane, nil }

func (d *fakeDevice) CloseExport(int) error { return nil }

func (d *fakeDevice) Queue(req *bufferpool.QueueRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Index >= d.count {
		return syscall.EINVAL
	}
	d.done = append(d.done, req.Index)
	d.notify()
	return nil
}

func (d *fakeDevice) ended() bool {
	return d.eosAfter > 0 && d.sequence >= d.eosAfter
}

func (d *fakeDevice) Dequeue(bufferpool.KernelMemory, int) (bufferpool.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dequeues++
	if d.stall {
		return bufferpool.BufferInfo{}, syscall.EAGAIN
	}
	if d.ended() {
		return bufferpool.BufferInfo{}, syscall.EPIPE
	}
	if len(d.done) == 0 {
		return bufferpool.BufferInfo{}, syscall.EAGAIN
	}
	idx := d.done[0]
	d.done = d.done[1:]
	d.sequence++

	if d.changeAt > 0 && d.sequence == d.changeAt {
		d.events = append(d.events, bufferpool.DeviceEvent{
			Type:    bufferpool.EventSourceChange,
			Changes: bufferpool.SourceChangeResolution,
		})
		if d.changedSize > 0 {
			d.size = d.changedSize
		}
		d.notify()
	}
	return bufferpool.BufferInfo{
		Index:     idx,
		Planes:    []bufferpool.PlaneInfo{{Length: d.size, BytesUsed: d.size}},
		Field:     bufferpool.FieldNone,
		Sequence:  d.sequence,
		Timestamp: time.Duration(d.sequence) * time.Millisecond,
	}, nil
}

func (d *fakeDevice) StreamOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = true
	return nil
}

func (d *fakeDevice) StreamOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.done = nil
	d.notify()
	return nil
}

func (d *fakeDevice) Poll(ctx context.Context, timeout time.Duration) (bufferpool.PollEvents, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		d.mu.Lock()
		var ev bufferpool.PollEvents
		if len(d.events) > 0 {
			ev |= bufferpool.PollPriority
		}
		if len(d.done) > 0 || d.ended() || d.stall {
			ev |= bufferpool.PollReady
		}
		changed := d.changed
		d.mu.Unlock()

		if ev != 0 || timeout == 0 {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return 0, nil
		case <-changed:
		}
	}
}

func (d *fakeDevice) SubscribeEvent(uint32) error { return nil }

func (d *fakeDevice) DequeueEvent() (bufferpool.DeviceEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return bufferpool.DeviceEvent{}, syscall.ENOENT
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) formatReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formats
}

func (d *fakeDevice) dequeueCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dequeues
}
