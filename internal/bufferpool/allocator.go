package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eapache/queue"

	"github.com/smazurov/v4l2pool/internal/events"
)

// MaxSlots is the most slots a device queue can hold (VIDEO_MAX_FRAME).
const MaxSlots = 32

var allocatorIDs atomic.Uint64

// Allocator requests kernel buffer slots and hands out their memory
// descriptors. It is the only place raw device errors are inspected.
type Allocator struct {
	id     uint64
	name   string
	dev    Device
	caps   DeviceCaps
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	format      Format
	mode        MemoryMode
	active      bool
	stopPending bool
	count       int
	held        int
	groups      [MaxSlots]*MemoryGroup
	free        *queue.Queue

	orphaned atomic.Bool
}

// NewAllocator creates an allocator for dev. Group releases are published
// on bus.
func NewAllocator(name string, dev Device, bus *events.Bus, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		id:     allocatorIDs.Add(1),
		name:   name,
		dev:    dev,
		caps:   dev.Caps(),
		bus:    bus,
		logger: logger,
		free:   queue.New(),
	}
}

// ID identifies the allocator in GroupReleasedEvent.
func (a *Allocator) ID() uint64 {
	return a.id
}

// SetFormat records the negotiated layout used to validate imports.
func (a *Allocator) SetFormat(f Format) {
	a.mu.Lock()
	a.format = f
	a.mu.Unlock()
}

// CanAllocate reports whether slots can be added after Start in mode.
func (a *Allocator) CanAllocate(mode MemoryMode) bool {
	return a.caps.CreateBuffers && a.caps.Supports(mode.Kernel())
}

// CanOrphan reports whether the device lets go of buffers still in use.
func (a *Allocator) CanOrphan() bool {
	return a.caps.OrphanedBuffers
}

// Count is the number of slots currently granted.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Start requests count slots in mode and returns how many were granted.
func (a *Allocator) Start(count int, mode MemoryMode) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return 0, newError(ErrCodeAllocation, "start", "allocator already active", nil)
	}
	if a.orphaned.Load() {
		return 0, newError(ErrCodeAllocation, "start", "allocator is orphaned", nil)
	}
	mem := mode.Kernel()
	if !a.caps.Supports(mem) {
		return 0, newError(ErrCodeAllocation, "start", fmt.Sprintf("%s not supported by device", mode), nil)
	}
	if count > MaxSlots {
		count = MaxSlots
	}

	granted, err := a.dev.RequestBuffers(count, mem)
	if err != nil {
		return 0, newError(ErrCodeAllocation, "start", fmt.Sprintf("request %d %s buffers", count, mode), err)
	}
	if granted <= 0 {
		return 0, newError(ErrCodeAllocation, "start", fmt.Sprintf("device granted no %s buffers", mode), nil)
	}
	if granted > MaxSlots {
		granted = MaxSlots
	}

	a.mode = mode
	for i := 0; i < granted; i++ {
		group, err := a.newGroup(i)
		if err != nil {
			a.releaseGroupsLocked()
			if _, rerr := a.dev.RequestBuffers(0, mem); rerr != nil {
				a.logger.Warn("Failed to free buffers after setup error", "error", rerr)
			}
			return 0, newError(ErrCodeAllocation, "start", fmt.Sprintf("set up slot %d", i), err)
		}
		a.groups[i] = group
		a.free.Add(group)
	}

	a.count = granted
	a.held = 0
	a.active = true
	a.stopPending = false

	a.logger.Debug("Allocator started", "requested", count, "granted", granted, "mode", mode.String())
	return granted, nil
}

// newGroup queries slot index and sets up its memory. Called with mu held.
func (a *Allocator) newGroup(index int) (*MemoryGroup, error) {
	info, err := a.dev.QueryBuffer(index, a.mode.Kernel())
	if err != nil {
		return nil, err
	}
	group := &MemoryGroup{
		Index:  index,
		Planes: make([]Plane, len(info.Planes)),
		mode:   a.mode,
	}
	for i, pi := range info.Planes {
		plane := &group.Planes[i]
		plane.info = pi
		plane.Length = pi.Length
		plane.Size = pi.Length

		switch a.mode {
		case ModeMMAP:
			data, err := a.dev.Map(index, i, pi)
			if err != nil {
				a.freeGroupMemory(group)
				return nil, err
			}
			plane.Memory = MappedMemory{Data: data}
		case ModeDMABufExport:
			fd, err := a.dev.Export(index, i)
			if err != nil {
				a.freeGroupMemory(group)
				return nil, err
			}
			data, err := a.dev.Map(index, i, pi)
			if err != nil {
				if cerr := a.dev.CloseExport(fd); cerr != nil {
					a.logger.Warn("Failed to close exported buffer", "index", index, "error", cerr)
				}
				a.freeGroupMemory(group)
				return nil, err
			}
			plane.Memory = ExportedMemory{FD: fd, Data: data}
		case ModeUserPtr, ModeDMABufImport:
		}
	}
	return group, nil
}

func (a *Allocator) freeGroupMemory(group *MemoryGroup) {
	for i := range group.Planes {
		switch m := group.Planes[i].Memory.(type) {
		case MappedMemory:
			if err := a.dev.Unmap(m.Data); err != nil {
				a.logger.Warn("Failed to unmap buffer", "index", group.Index, "plane", i, "error", err)
			}
		case ExportedMemory:
			if m.Data != nil {
				if err := a.dev.Unmap(m.Data); err != nil {
					a.logger.Warn("Failed to unmap buffer", "index", group.Index, "plane", i, "error", err)
				}
			}
			if err := a.dev.CloseExport(m.FD); err != nil {
				a.logger.Warn("Failed to close exported buffer", "index", group.Index, "plane", i, "error", err)
			}
		case UserMemory, ExternalMemory, nil:
		}
		group.Planes[i].Memory = nil
	}
}

func (a *Allocator) releaseGroupsLocked() {
	for i, g := range a.groups {
		if g == nil {
			continue
		}
		a.freeGroupMemory(g)
		a.groups[i] = nil
	}
	for a.free.Length() > 0 {
		a.free.Remove()
	}
}

// Alloc returns a free group in the active mode, growing the queue when
// the device allows it.
func (a *Allocator) Alloc() (*MemoryGroup, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.stopPending {
		return nil, newError(ErrCodeAllocation, "alloc", "allocator not active", nil)
	}
	if a.free.Length() == 0 {
		if err := a.growLocked(); err != nil {
			return nil, err
		}
	}
	group := a.free.Remove().(*MemoryGroup)
	a.held++
	return group, nil
}

// AllocMapped returns a group of mapped kernel memory.
func (a *Allocator) AllocMapped() (*MemoryGroup, error) {
	return a.allocMode(ModeMMAP)
}

// AllocExportable returns a group of kernel memory exported as dmabufs.
func (a *Allocator) AllocExportable() (*MemoryGroup, error) {
	return a.allocMode(ModeDMABufExport)
}

// AllocUserPtr returns a slot awaiting ImportUserPtr.
func (a *Allocator) AllocUserPtr() (*MemoryGroup, error) {
	return a.allocMode(ModeUserPtr)
}

// AllocImport returns a slot awaiting ImportExternal.
func (a *Allocator) AllocImport() (*MemoryGroup, error) {
	return a.allocMode(ModeDMABufImport)
}

func (a *Allocator) allocMode(mode MemoryMode) (*MemoryGroup, error) {
	a.mu.Lock()
	current := a.mode
	active := a.active
	a.mu.Unlock()
	if active && current != mode {
		return nil, newError(ErrCodeAllocation, "alloc", fmt.Sprintf("allocator started in %s, not %s", current, mode), nil)
	}
	return a.Alloc()
}

// growLocked adds one slot with CREATE_BUFS. Called with mu held.
func (a *Allocator) growLocked() error {
	if !a.CanAllocate(a.mode) || a.count >= MaxSlots {
		return newError(ErrCodeAllocation, "alloc", "no free slot", nil)
	}
	first, granted, err := a.dev.CreateBuffers(1, a.mode.Kernel(), a.format)
	if err != nil {
		return newError(ErrCodeAllocation, "alloc", "create buffers", err)
	}
	if granted < 1 || first < 0 || first >= MaxSlots {
		return newError(ErrCodeAllocation, "alloc", "device created no buffer", nil)
	}
	group, err := a.newGroup(first)
	if err != nil {
		return newError(ErrCodeAllocation, "alloc", fmt.Sprintf("set up slot %d", first), err)
	}
	a.groups[first] = group
	a.count++
	a.free.Add(group)
	a.logger.Debug("Allocated additional slot", "index", first, "count", a.count)
	return nil
}

// ImportUserPtr binds application memory to a USERPTR group. Every plane
// must be at least as large as the negotiated plane and size must fit.
func (a *Allocator) ImportUserPtr(group *MemoryGroup, size int, planes [][]byte) error {
	if group.mode != ModeUserPtr {
		return newError(ErrCodeAllocation, "import userptr", fmt.Sprintf("group is %s", group.mode), nil)
	}
	if len(planes) != len(group.Planes) {
		return newError(ErrCodeAllocation, "import userptr",
			fmt.Sprintf("got %d planes, want %d", len(planes), len(group.Planes)), nil)
	}
	total := 0
	for i, data := range planes {
		if uint32(len(data)) < group.Planes[i].Length {
			return newError(ErrCodeAllocation, "import userptr",
				fmt.Sprintf("plane %d is %d bytes, want %d", i, len(data), group.Planes[i].Length), nil)
		}
		total += len(data)
	}
	if size > total {
		return newError(ErrCodeAllocation, "import userptr", fmt.Sprintf("size %d exceeds %d bytes of memory", size, total), nil)
	}

	remaining := size
	for i, data := range planes {
		p := &group.Planes[i]
		p.Memory = UserMemory{Data: data}
		p.Offset = 0
		n := len(data)
		if n > remaining {
			n = remaining
		}
		p.Size = uint32(n)
		remaining -= n
	}
	return nil
}

// ImportExternal binds dmabuf handles to a DMABUF import group.
func (a *Allocator) ImportExternal(group *MemoryGroup, fds []int, sizes []uint32) error {
	if group.mode != ModeDMABufImport {
		return newError(ErrCodeAllocation, "import dmabuf", fmt.Sprintf("group is %s", group.mode), nil)
	}
	if len(fds) != len(group.Planes) || len(sizes) != len(fds) {
		return newError(ErrCodeAllocation, "import dmabuf",
			fmt.Sprintf("got %d handles, want %d", len(fds), len(group.Planes)), nil)
	}
	for i, fd := range fds {
		if fd < 0 {
			return newError(ErrCodeAllocation, "import dmabuf", fmt.Sprintf("plane %d has no handle", i), nil)
		}
		p := &group.Planes[i]
		p.Memory = ExternalMemory{FD: fd, Size: sizes[i]}
		p.Offset = 0
		p.Size = sizes[i]
	}
	return nil
}

// ResetGroup restores every plane to its negotiated size.
func (a *Allocator) ResetGroup(group *MemoryGroup) {
	group.reset()
}

// ReleaseGroup takes back a group whose buffer was dropped and publishes
// GroupReleasedEvent. It completes a deferred Stop once nothing is held.
func (a *Allocator) ReleaseGroup(group *MemoryGroup) {
	a.mu.Lock()
	if a.groups[group.Index] != group || a.held == 0 {
		a.mu.Unlock()
		return
	}
	group.reset()
	group.queued = false
	a.held--
	a.free.Add(group)

	if a.stopPending {
		if a.held == 0 {
			a.teardownLocked()
		}
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(events.GroupReleasedEvent{Allocator: a.id, Pool: a.name, Index: group.Index})
	}
}

// Stop releases every slot. It returns a BUSY error while groups are still
// held; teardown then completes when the last one is released.
func (a *Allocator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return nil
	}
	if a.held > 0 {
		a.stopPending = true
		return newError(ErrCodeBusy, "stop", fmt.Sprintf("%d of %d slots still in use", a.held, a.count), nil)
	}
	a.teardownLocked()
	return nil
}

// Pending reports whether a Stop is waiting for held groups.
func (a *Allocator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active && a.stopPending
}

// Active reports whether slots are currently granted.
func (a *Allocator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Allocator) teardownLocked() {
	mem := a.mode.Kernel()
	a.releaseGroupsLocked()
	if !a.orphaned.Load() {
		if _, err := a.dev.RequestBuffers(0, mem); err != nil {
			a.logger.Warn("Failed to release device buffers", "error", err)
		}
	}
	a.count = 0
	a.held = 0
	a.active = false
	a.stopPending = false
	a.logger.Debug("Allocator stopped")
}

// Orphan hands the slots over to the kernel so the device can go away
// while buffers are still in use. Queue calls never reach the device
// afterwards.
func (a *Allocator) Orphan() bool {
	if a.orphaned.Load() || !a.caps.OrphanedBuffers {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.dev.RequestBuffers(0, a.mode.Kernel()); err != nil {
		a.logger.Warn("Failed to orphan buffers", "error", err)
		return false
	}
	a.orphaned.Store(true)
	for _, g := range a.groups {
		if g != nil {
			g.queued = false
		}
	}
	a.logger.Debug("Allocator orphaned")
	return true
}

// Orphaned reports whether Orphan succeeded.
func (a *Allocator) Orphaned() bool {
	return a.orphaned.Load()
}

// Queue hands group to the device.
func (a *Allocator) Queue(group *MemoryGroup, field Field, ts time.Duration) error {
	if a.orphaned.Load() {
		return ErrFlushing
	}

	req := QueueRequest{
		Index:     group.Index,
		Memory:    group.mode.Kernel(),
		Planes:    make([]QueuePlane, len(group.Planes)),
		Field:     field,
		Timestamp: ts,
	}
	for i := range group.Planes {
		p := &group.Planes[i]
		qp := QueuePlane{BytesUsed: p.Size, Length: p.Length, DataOffset: p.Offset, FD: -1}
		switch m := p.Memory.(type) {
		case MappedMemory, ExportedMemory:
		case UserMemory:
			qp.UserPtr = m.Data
			qp.Length = uint32(len(m.Data))
		case ExternalMemory:
			qp.FD = m.FD
			qp.Length = m.Size
		case nil:
			if group.mode.Imports() {
				return newError(ErrCodeQueue, "queue", fmt.Sprintf("slot %d has no imported memory", group.Index), nil)
			}
		}
		req.Planes[i] = qp
	}

	if err := a.dev.Queue(&req); err != nil {
		return newError(ErrCodeQueue, "queue", fmt.Sprintf("slot %d", group.Index), err)
	}
	a.mu.Lock()
	group.queued = true
	a.mu.Unlock()
	return nil
}

// Dequeue takes the next completed group from the device.
func (a *Allocator) Dequeue() (*MemoryGroup, error) {
	a.mu.Lock()
	mode := a.mode
	planes := a.format.PlaneCount
	a.mu.Unlock()
	if planes == 0 {
		planes = 1
	}

	info, err := a.dev.Dequeue(mode.Kernel(), planes)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EAGAIN):
			return nil, ErrWouldBlock
		case errors.Is(err, syscall.EPIPE):
			return nil, ErrEndOfStream
		}
		return nil, newError(ErrCodeQueue, "dequeue", "", err)
	}
	if info.Index < 0 || info.Index >= MaxSlots {
		return nil, newError(ErrCodeQueue, "dequeue", fmt.Sprintf("device returned slot %d", info.Index), nil)
	}

	a.mu.Lock()
	group := a.groups[info.Index]
	if group != nil {
		group.queued = false
	}
	a.mu.Unlock()
	if group == nil {
		return nil, newError(ErrCodeQueue, "dequeue", fmt.Sprintf("unknown slot %d", info.Index), nil)
	}

	group.Flags = info.Flags
	group.Field = info.Field
	group.Sequence = info.Sequence
	group.Timestamp = info.Timestamp
	for i := range group.Planes {
		if i >= len(info.Planes) {
			break
		}
		p := &group.Planes[i]
		used := info.Planes[i].BytesUsed
		if used > p.Length && p.Length > 0 {
			used = p.Length
		}
		p.Size = used
		p.Offset = info.Planes[i].DataOffset
		if p.Offset > p.Size {
			p.Offset = 0
		}
		p.Size -= p.Offset
	}
	return group, nil
}

// Flush forgets every queued group after the device stream was stopped.
func (a *Allocator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		if g != nil && g.queued {
			g.queued = false
			g.reset()
		}
	}
}

// Poll waits for a completed buffer. It distinguishes timeout
// (ErrWouldBlock), cancellation (ErrFlushing) and a source change
// (ErrResolutionChanged).
func (a *Allocator) Poll(ctx context.Context, timeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ErrFlushing
		}
		ev, err := a.dev.Poll(ctx, timeout)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, context.Canceled):
				return ErrFlushing
			case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
				continue
			}
			return newError(ErrCodeQueue, "poll", "", err)
		}

		if ev&PollPriority != 0 {
			changed, err := a.drainEvents()
			if err != nil {
				return err
			}
			if changed {
				return ErrResolutionChanged
			}
			if ev&(PollReady|PollError) == 0 {
				continue
			}
		}
		if ev&PollError != 0 {
			return newError(ErrCodeQueue, "poll", "device reported an error", nil)
		}
		if ev&PollReady == 0 {
			return ErrWouldBlock
		}
		return nil
	}
}

// FlushEvents drains pending device events and reports whether one of
// them was a resolution change.
func (a *Allocator) FlushEvents() (bool, error) {
	return a.drainEvents()
}

func (a *Allocator) drainEvents() (bool, error) {
	changed := false
	for {
		ev, err := a.dev.DequeueEvent()
		if err != nil {
			if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.EAGAIN) {
				return changed, nil
			}
			return changed, newError(ErrCodeQueue, "dequeue event", "", err)
		}
		if ev.Type == EventSourceChange && ev.Changes&SourceChangeResolution != 0 {
			changed = true
		}
	}
}

// SubscribeSourceChange asks the device to report source changes.
func (a *Allocator) SubscribeSourceChange() error {
	if err := a.dev.SubscribeEvent(EventSourceChange); err != nil {
		return newError(ErrCodeConfig, "subscribe", "source change events", err)
	}
	return nil
}

// StreamOn starts the device queue.
func (a *Allocator) StreamOn() error {
	if err := a.dev.StreamOn(); err != nil {
		return newError(ErrCodeQueue, "streamon", "", err)
	}
	return nil
}

// StreamOff stops the device queue.
func (a *Allocator) StreamOff() error {
	if err := a.dev.StreamOff(); err != nil {
		return newError(ErrCodeQueue, "streamoff", "", err)
	}
	return nil
}
