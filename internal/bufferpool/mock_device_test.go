package bufferpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// mockDevice emulates a V4L2 streaming queue in memory.
type mockDevice struct {
	mu      sync.Mutex
	changed chan struct{}

	caps       DeviceCaps
	planeSizes []uint32

	// grant limits how many slots RequestBuffers hands out; 0 grants all.
	grant int
	// autoComplete makes every queued buffer complete immediately.
	autoComplete bool
	// payload overrides bytesused on completion; 0 means full length.
	payload uint32
	field   Field
	flags   DeviceFlags

	reqbufsErr  error
	streamOnErr error
	queueErrAt  map[int]error

	count     int
	memory    KernelMemory
	streaming bool
	queued    map[int]bool
	done      []int
	lastEmpty bool
	eos       bool
	events    []DeviceEvent
	sequence  uint32

	calls   []string
	lastReq QueueRequest

	forbidQueue     atomic.Bool
	forbiddenQueues atomic.Int32
	mapped          atomic.Int32
	exported        atomic.Int32
	queueCalls      atomic.Int32

	frames map[int][][]byte
}

func newMockDevice(planeSizes ...uint32) *mockDevice {
	if len(planeSizes) == 0 {
		planeSizes = []uint32{1024}
	}
	return &mockDevice{
		changed: make(chan struct{}),
		caps: DeviceCaps{
			MMAP:            true,
			UserPtr:         true,
			DMABuf:          true,
			CanPoll:         true,
			OrphanedBuffers: true,
		},
		planeSizes:   planeSizes,
		autoComplete: true,
		field:        FieldNone,
		queueErrAt:   make(map[int]error),
		queued:       make(map[int]bool),
		frames:       make(map[int][][]byte),
	}
}

func (m *mockDevice) format() Format {
	var total uint32
	for _, s := range m.planeSizes {
		total += s
	}
	return Format{
		PlaneCount: len(m.planeSizes),
		PlaneSizes: append([]uint32(nil), m.planeSizes...),
		TotalSize:  total,
		Field:      FieldNone,
	}
}

// notify wakes pollers. Called with mu held.
func (m *mockDevice) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *mockDevice) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockDevice) callCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *mockDevice) lastQueued() QueueRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

func (m *mockDevice) deviceQueued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued) + len(m.done)
}

func (m *mockDevice) Caps() DeviceCaps {
	return m.caps
}

func (m *mockDevice) RequestBuffers(count int, mem KernelMemory) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("reqbufs %d", count)
	if m.reqbufsErr != nil && count > 0 {
		return 0, m.reqbufsErr
	}
	if count == 0 {
		m.count = 0
		m.queued = make(map[int]bool)
		m.done = nil
		return 0, nil
	}
	if m.grant > 0 && count > m.grant {
		count = m.grant
	}
	m.count = count
	m.memory = mem
	return count, nil
}

func (m *mockDevice) CreateBuffers(count int, mem KernelMemory, _ Format) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create %d", count)
	if !m.caps.CreateBuffers {
		return 0, 0, syscall.ENOTTY
	}
	first := m.count
	m.count += count
	return first, count, nil
}

func (m *mockDevice) QueryBuffer(index int, _ KernelMemory) (BufferInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= m.count {
		return BufferInfo{}, syscall.EINVAL
	}
	info := BufferInfo{Index: index, Planes: make([]PlaneInfo, len(m.planeSizes))}
	for i, s := range m.planeSizes {
		info.Planes[i] = PlaneInfo{Length: s, MemOffset: uint32(index*4096 + i)}
	}
	return info, nil
}

func (m *mockDevice) Map(index, plane int, info PlaneInfo) ([]byte, error) {
	m.mapped.Add(1)
	data := make([]byte, info.Length)
	m.mu.Lock()
	planes := m.frames[index]
	for len(planes) <= plane {
		planes = append(planes, nil)
	}
	planes[plane] = data
	m.frames[index] = planes
	m.mu.Unlock()
	return data, nil
}

func (m *mockDevice) Unmap(_ []byte) error {
	m.mapped.Add(-1)
	return nil
}

func (m *mockDevice) Export(index, plane int) (int, error) {
	m.exported.Add(1)
	return 100 + index*4 + plane, nil
}

func (m *mockDevice) CloseExport(_ int) error {
	m.exported.Add(-1)
	return nil
}

func (m *mockDevice) Queue(req *QueueRequest) error {
	m.queueCalls.Add(1)
	if m.forbidQueue.Load() {
		m.forbiddenQueues.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("qbuf %d", req.Index)
	m.lastReq = *req

	if err, ok := m.queueErrAt[req.Index]; ok {
		delete(m.queueErrAt, req.Index)
		return err
	}
	if req.Index >= m.count || m.queued[req.Index] {
		return syscall.EINVAL
	}
	for _, idx := range m.done {
		if idx == req.Index {
			return syscall.EINVAL
		}
	}
	if req.Memory == KernelMemoryUserPtr {
		for _, p := range req.Planes {
			if p.UserPtr == nil {
				return syscall.EFAULT
			}
		}
	}

	if m.autoComplete {
		m.done = append(m.done, req.Index)
		m.notify()
	} else {
		m.queued[req.Index] = true
	}
	return nil
}

// complete moves up to n queued buffers to the done list.
func (m *mockDevice) complete(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for idx := 0; idx < m.count && moved < n; idx++ {
		if m.queued[idx] {
			delete(m.queued, idx)
			m.done = append(m.done, idx)
			moved++
		}
	}
	if moved > 0 {
		m.notify()
	}
	return moved
}

func (m *mockDevice) pushEvent(ev DeviceEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.notify()
	m.mu.Unlock()
}

func (m *mockDevice) Dequeue(_ KernelMemory, planes int) (BufferInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("dqbuf")

	if m.eos && len(m.done) == 0 {
		return BufferInfo{}, syscall.EPIPE
	}
	if len(m.done) == 0 {
		return BufferInfo{}, syscall.EAGAIN
	}
	idx := m.done[0]
	m.done = m.done[1:]
	m.sequence++

	info := BufferInfo{
		Index:     idx,
		Planes:    make([]PlaneInfo, planes),
		Flags:     m.flags,
		Field:     m.field,
		Sequence:  m.sequence,
		Timestamp: time.Duration(m.sequence) * time.Millisecond,
	}
	for i := 0; i < planes && i < len(m.planeSizes); i++ {
		used := m.planeSizes[i]
		if m.payload != 0 {
			used = m.payload
		}
		info.Planes[i] = PlaneInfo{Length: m.planeSizes[i], BytesUsed: used}
		if mem := m.frames[idx]; i < len(mem) {
			fill := mem[i]
			if int(used) < len(fill) {
				fill = fill[:used]
			}
			for j := range fill {
				fill[j] = byte(m.sequence)
			}
		}
	}
	if m.lastEmpty {
		m.lastEmpty = false
		info.Flags |= DeviceFlagLast
		for i := range info.Planes {
			info.Planes[i].BytesUsed = 0
		}
	}
	return info, nil
}

func (m *mockDevice) StreamOn() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("streamon")
	if m.streamOnErr != nil {
		return m.streamOnErr
	}
	m.streaming = true
	return nil
}

func (m *mockDevice) StreamOff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("streamoff")
	m.streaming = false
	m.queued = make(map[int]bool)
	m.done = nil
	m.notify()
	return nil
}

func (m *mockDevice) Poll(ctx context.Context, timeout time.Duration) (PollEvents, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		m.mu.Lock()
		var ev PollEvents
		if len(m.events) > 0 {
			ev |= PollPriority
		}
		if len(m.done) > 0 || (m.eos && len(m.queued) == 0) {
			ev |= PollReady
		}
		changed := m.changed
		m.mu.Unlock()

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

func (m *mockDevice) SubscribeEvent(eventType uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("subscribe %d", eventType)
	return nil
}

func (m *mockDevice) DequeueEvent() (DeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return DeviceEvent{}, syscall.ENOENT
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, nil
}
