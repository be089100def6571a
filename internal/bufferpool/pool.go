package bufferpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/smazurov/v4l2pool/internal/events"
)

// Options configures a Pool.
type Options struct {
	// Name identifies the pool in logs, events and metrics.
	Name      string
	Direction Direction
	// Bus receives pool events. A private bus is used when nil and is
	// closed on Stop.
	Bus    *events.Bus
	Logger *slog.Logger
}

// Pool is a bounded pool of device buffers. Capture pools hand out
// completed frames from the device queue; output pools hand out free
// slots to fill and queue through Process.
type Pool struct {
	name   string
	dir    Direction
	caps   DeviceCaps
	alloc  *Allocator
	bus    *events.Bus
	ownBus bool
	logger *slog.Logger

	// lifecycle serializes SetConfig, Start, Stop, Flush and Orphan.
	lifecycle sync.Mutex
	// streamMu serializes stream on/off.
	streamMu sync.Mutex

	// mu guards the fields below and the empty condition.
	mu                sync.Mutex
	emptyCond         *sync.Cond
	config            Config
	configured        bool
	started           bool
	streaming         bool
	orphaned          bool
	stopping          bool
	restream          bool
	empty             bool
	resolutionChanged bool
	copyAtThreshold   bool
	importSource      BufferSource
	runCtx            context.Context
	runCancel         context.CancelFunc

	active   atomic.Bool
	flushing atomic.Bool

	// Fixed between Start and Stop.
	mode          MemoryMode
	format        Format
	size          uint32
	slots         int
	canAllocate   bool
	copyThreshold int32
	minLatency    int32
	maxLatency    int
	minBuffers    int
	maxBuffers    int

	freeMu     sync.Mutex
	freeCond   *sync.Cond
	free       *queue.Queue
	numBuffers int

	states      [MaxSlots]atomic.Uint32
	buffers     [MaxSlots]atomic.Pointer[Buffer]
	numQueued   atomic.Int32
	outstanding atomic.Int32

	resurrecting atomic.Bool
	unsubscribe  func()
	warnedField  atomic.Bool

	copies        atomic.Uint64
	resurrections atomic.Uint64
	dequeueErrors atomic.Uint64
	queueErrors   atomic.Uint64
	truncated     atomic.Uint64
}

// NewPool creates an inactive pool on dev.
func NewPool(dev Device, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("pool", opts.Name)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}

	p := &Pool{
		name:   opts.Name,
		dir:    opts.Direction,
		caps:   dev.Caps(),
		alloc:  NewAllocator(opts.Name, dev, bus, logger),
		bus:    bus,
		ownBus: opts.Bus == nil,
		logger: logger,
		free:   queue.New(),
	}
	p.emptyCond = sync.NewCond(&p.mu)
	p.freeCond = sync.NewCond(&p.freeMu)
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Direction returns the queue direction of the pool.
func (p *Pool) Direction() Direction {
	return p.dir
}

// Allocator returns the pool's allocator.
func (p *Pool) Allocator() *Allocator {
	return p.alloc
}

// IsActive reports whether the pool has been started and not stopped.
func (p *Pool) IsActive() bool {
	return p.active.Load()
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pool) stateLocked() State {
	switch {
	case !p.active.Load():
		if p.started {
			return StateStopped
		}
		return StateInactive
	case p.flushing.Load():
		return StateFlushing
	case p.streaming:
		return StateStreaming
	default:
		return StateStarting
	}
}

func (p *Pool) notifyState(old State) {
	current := p.State()
	if current == old {
		return
	}
	p.logger.Debug("Pool state changed", "from", old.String(), "to", current.String())
	p.bus.Publish(events.PoolStateChangedEvent{
		Pool:      p.name,
		OldState:  old.String(),
		NewState:  current.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// Config returns the current configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SetConfig validates cfg against the device and stores the clamped
// result. updated reports that the stored configuration differs from cfg.
// The configuration cannot change while the pool is active.
func (p *Pool) SetConfig(cfg Config) (Config, bool, error) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.active.Load() {
		return cfg, false, configError("set config", "pool is active")
	}
	if cfg.Mode > ModeDMABufImport {
		return cfg, false, configError("set config", "unknown memory mode %d", cfg.Mode)
	}
	if err := validateFormat(cfg.Format); err != nil {
		return cfg, false, err
	}
	if !p.caps.Supports(cfg.Mode.Kernel()) {
		return cfg, false, configError("set config", "device does not support %s", cfg.Mode)
	}

	canAllocate := p.alloc.CanAllocate(cfg.Mode)
	if canAllocate && cfg.Format.Emulated {
		p.logger.Warn("Emulated format, disabling dynamic buffer allocation")
		canAllocate = false
	}

	out, updated := clampConfig(cfg, minFloor(p.dir, p.caps), canAllocate)
	if updated {
		p.logger.Info("Adjusted pool configuration",
			"min", out.MinBuffers, "max", out.MaxBuffers,
			"size", out.Size, "copy_threshold", out.CopyThreshold)
	}

	p.mu.Lock()
	p.config = out
	p.configured = true
	p.mu.Unlock()
	p.alloc.SetFormat(out.Format)
	return out, updated, nil
}

// CopyAtThreshold forces the copy threshold on at the next Start even when
// the device grants every requested buffer.
func (p *Pool) CopyAtThreshold(enable bool) {
	p.mu.Lock()
	p.copyAtThreshold = enable
	p.mu.Unlock()
}

// SetImportSource sets where USERPTR and DMABUF import capture pools get
// memory to queue. It cannot change while the pool is active.
func (p *Pool) SetImportSource(src BufferSource) error {
	if p.active.Load() {
		return configError("set import source", "pool is active")
	}
	p.mu.Lock()
	p.importSource = src
	p.mu.Unlock()
	return nil
}

// EnableResolutionChange subscribes to source change events so that
// Acquire reports ErrResolutionChanged.
func (p *Pool) EnableResolutionChange() error {
	return p.alloc.SubscribeSourceChange()
}

// Start allocates the configured slots. Capture pools queue every slot
// and start streaming; output pools start streaming on the first Process.
func (p *Pool) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.active.Load() {
		return nil
	}

	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return configError("start", "pool is not configured")
	}
	if p.orphaned {
		p.mu.Unlock()
		return configError("start", "pool is orphaned")
	}
	cfg := p.config
	copyAt := p.copyAtThreshold || cfg.CopyThreshold
	source := p.importSource
	old := p.stateLocked()
	p.mu.Unlock()

	if p.dir == Capture && cfg.Mode.Imports() && source == nil {
		return configError("start", "%s capture needs an import source", cfg.Mode)
	}

	floor := minFloor(p.dir, p.caps)
	minLatency := floor
	if cfg.Format.DriverMinBuffers > minLatency {
		minLatency = cfg.Format.DriverMinBuffers
	}
	minBuffers, maxBuffers := cfg.MinBuffers, cfg.MaxBuffers
	canAllocate := p.alloc.CanAllocate(cfg.Mode) && !cfg.Format.Emulated
	copyThreshold := 0

	p.logger.Debug("Requesting buffers", "count", minBuffers, "mode", cfg.Mode.String())
	count, err := p.alloc.Start(minBuffers, cfg.Mode)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case ModeMMAP, ModeDMABufExport:
		if count < floor {
			p.stopAllocator()
			return fmt.Errorf("%w: device granted %d buffers, need at least %d", ErrInsufficientBuffers, count, floor)
		}
		if count != minBuffers || copyAt {
			p.logger.Warn("Uncertain or not enough buffers, enabling copy threshold",
				"requested", minBuffers, "granted", count)
			minBuffers = count
			copyThreshold = minLatency
		}
	case ModeUserPtr, ModeDMABufImport:
		if count < minBuffers {
			p.stopAllocator()
			return fmt.Errorf("%w: device granted %d buffers, requested %d", ErrInsufficientBuffers, count, minBuffers)
		}
		minBuffers = count
	}

	maxLatency := minBuffers
	if canAllocate {
		maxLatency = maxBuffers
	}
	if maxBuffers != 0 && maxBuffers < minBuffers {
		maxBuffers = minBuffers
	}
	if !canAllocate {
		maxBuffers = minBuffers
	}

	for i := range p.states {
		p.states[i].Store(slotFree)
		p.buffers[i].Store(nil)
	}
	p.numQueued.Store(0)
	p.outstanding.Store(0)
	p.warnedField.Store(false)

	p.mu.Lock()
	p.mode = cfg.Mode
	p.format = cfg.Format
	p.size = cfg.Size
	p.slots = count
	p.canAllocate = canAllocate
	p.copyThreshold = int32(copyThreshold)
	p.minLatency = int32(minLatency)
	p.maxLatency = maxLatency
	p.minBuffers = minBuffers
	p.maxBuffers = maxBuffers
	p.empty = true
	p.streaming = false
	p.resolutionChanged = false
	p.stopping = false
	p.restream = false
	p.started = true
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.active.Store(true)
	p.mu.Unlock()

	bufs := make([]*Buffer, 0, minBuffers)
	for i := 0; i < minBuffers; i++ {
		buf, err := p.newBuffer()
		if err != nil {
			for _, b := range bufs {
				p.discard(b)
			}
			p.abortStart()
			return err
		}
		bufs = append(bufs, buf)
	}
	p.freeMu.Lock()
	p.numBuffers = len(bufs)
	p.freeMu.Unlock()

	for _, buf := range bufs {
		p.completeRelease(buf, false)
	}

	if p.dir == Capture {
		if queued := int(p.numQueued.Load()); queued < count {
			p.abortStart()
			return newError(ErrCodeQueue, "start", fmt.Sprintf("queued %d of %d buffers", queued, count), nil)
		}
		p.unsubscribe = p.bus.Subscribe(p.onGroupReleased)
		if err := p.streamOn(); err != nil {
			p.abortStart()
			return err
		}
	}

	p.logger.Info("Pool started",
		"direction", p.dir.String(), "mode", cfg.Mode.String(),
		"buffers", count, "min", minBuffers, "max", maxBuffers,
		"copy_threshold", copyThreshold)
	p.notifyState(old)
	return nil
}

// abortStart undoes a failed Start and leaves the pool inactive.
func (p *Pool) abortStart() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	p.streamOff()
	p.reclaimQueued()

	p.mu.Lock()
	p.active.Store(false)
	p.started = false
	p.streaming = false
	p.runCancel()
	p.mu.Unlock()

	p.drainFree()
	p.stopAllocator()
	p.closeBus()
}

func (p *Pool) closeBus() {
	if p.ownBus {
		_ = p.bus.Close()
	}
}

func (p *Pool) stopAllocator() {
	if err := p.alloc.Stop(); err != nil {
		p.logger.Warn("Allocator stop deferred", "error", err)
	}
}

// newBuffer wraps a fresh group in a Buffer.
func (p *Pool) newBuffer() (*Buffer, error) {
	group, err := p.alloc.Alloc()
	if err != nil {
		return nil, err
	}
	buf := &Buffer{pool: p, group: group}
	buf.sync()

	p.mu.Lock()
	withMeta := p.config.VideoMeta
	p.mu.Unlock()
	if withMeta {
		buf.Meta = &VideoMeta{
			PlaneCount: p.format.PlaneCount,
			PlaneSizes: append([]uint32(nil), p.format.PlaneSizes...),
			Field:      p.format.Field,
		}
	}
	return buf, nil
}

// discard drops a buffer and gives its group back to the allocator.
func (p *Pool) discard(buf *Buffer) {
	group := buf.group
	if group == nil {
		return
	}
	p.dropImport(buf)
	buf.group = nil
	buf.Planes = nil
	buf.FDs = nil
	p.alloc.ReleaseGroup(group)
}

func (p *Pool) dropImport(buf *Buffer) {
	imp, owned := buf.imported, buf.ownsImport
	buf.imported = nil
	buf.ownsImport = false
	if imp != nil && owned {
		imp.Release()
	}
}

func (p *Pool) drainFree() {
	p.freeMu.Lock()
	drop := make([]*Buffer, 0, p.free.Length())
	for p.free.Length() > 0 {
		drop = append(drop, p.free.Remove().(*Buffer))
	}
	p.numBuffers -= len(drop)
	p.freeCond.Broadcast()
	p.freeMu.Unlock()

	for _, b := range drop {
		p.discard(b)
	}
}

// Stop stops streaming and releases every slot. With buffers still held
// by the application it returns an error matching ErrBusy and finishes
// the teardown when the last one is released. Stopping a stopped pool
// returns the same result as the previous call.
func (p *Pool) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.active.Load() {
		if p.alloc.Pending() {
			return newError(ErrCodeBusy, "stop", fmt.Sprintf("%d buffers still outstanding", p.outstanding.Load()), nil)
		}
		return nil
	}
	return p.stopLocked()
}

// stopLocked is Stop with the lifecycle lock held.
func (p *Pool) stopLocked() error {
	old := p.State()
	p.logger.Debug("Stopping pool")

	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}

	// Releases racing with the stream-off below must not queue again.
	p.mu.Lock()
	orphaned := p.orphaned
	p.stopping = true
	p.restream = false
	p.mu.Unlock()
	if !orphaned {
		p.streamOff()
	}

	p.mu.Lock()
	p.active.Store(false)
	p.streaming = false
	p.empty = false
	p.runCancel()
	p.emptyCond.Broadcast()
	p.mu.Unlock()

	p.drainFree()

	err := p.alloc.Stop()
	if err != nil {
		p.logger.Warn("Some buffers are still outstanding", "outstanding", p.outstanding.Load())
	}
	p.notifyState(old)
	p.closeBus()
	return err
}

// Orphan gives the slots up to the kernel so the device can be closed or
// reconfigured while buffers are still held. It fails if the pool is
// already orphaned or the device cannot orphan buffers. Orphaning is
// permanent: nothing is queued to the device again and the pool cannot
// be restarted.
func (p *Pool) Orphan() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	already := p.orphaned
	p.mu.Unlock()
	if already || !p.alloc.CanOrphan() {
		return false
	}

	p.logger.Debug("Orphaning pool")
	if p.active.Load() {
		if err := p.stopLocked(); err != nil {
			p.logger.Debug("Orphaning with outstanding buffers", "error", err)
		}
	}

	p.streamOff()

	p.mu.Lock()
	ok := p.alloc.Orphan()
	if ok {
		p.orphaned = true
	}
	p.mu.Unlock()

	if ok {
		p.logger.Info("Pool orphaned", "outstanding", p.outstanding.Load())
		p.bus.Publish(events.PoolOrphanedEvent{Pool: p.name, Timestamp: time.Now().Format(time.RFC3339)})
	}
	return ok
}

// Orphaned reports whether Orphan succeeded.
func (p *Pool) Orphaned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orphaned
}

// FlushStart cancels blocked acquires and polls. They return ErrFlushing
// until FlushStop.
func (p *Pool) FlushStart() {
	p.mu.Lock()
	old := p.stateLocked()
	p.flushing.Store(true)
	p.runCancel()
	p.empty = false
	p.emptyCond.Broadcast()
	source := p.importSource
	p.mu.Unlock()

	p.freeMu.Lock()
	p.freeCond.Broadcast()
	p.freeMu.Unlock()

	if f, ok := source.(flusher); ok {
		f.FlushStart()
	}
	p.logger.Debug("Start flushing")
	p.notifyState(old)
}

// FlushStop ends a flush started with FlushStart. A capture pool flushed
// in between resumes streaming here.
func (p *Pool) FlushStop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	old := p.stateLocked()
	source := p.importSource
	p.mu.Unlock()

	if f, ok := source.(flusher); ok {
		f.FlushStop()
	}

	p.mu.Lock()
	p.flushing.Store(false)
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.empty = p.numQueued.Load() == 0
	restream := p.restream
	p.restream = false
	p.mu.Unlock()

	if restream && p.active.Load() {
		if err := p.streamOn(); err != nil {
			p.logger.Error("Failed to resume streaming after flush", "error", err)
		}
	}

	p.logger.Debug("Stop flushing")
	p.notifyState(old)
}

type flusher interface {
	FlushStart()
	FlushStop()
}

// Flush stops the device queue, drains pending events and, for capture
// pools, resumes streaming unless the resolution changed. Between
// FlushStart and FlushStop streaming resumes in FlushStop.
func (p *Pool) Flush() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.active.Load() {
		return ErrInactive
	}
	old := p.State()
	p.streamOff()
	defer p.notifyState(old)

	if p.dir == Output {
		return nil
	}
	if err := p.FlushEvents(); err != nil {
		return err
	}
	if p.flushing.Load() {
		p.mu.Lock()
		p.restream = true
		p.mu.Unlock()
		return nil
	}
	return p.streamOn()
}

// FlushEvents drains pending device events without touching the data
// queue. It returns ErrResolutionChanged if one of them was a resolution
// change, in which case the pool must be stopped, reconfigured and
// restarted.
func (p *Pool) FlushEvents() error {
	changed, err := p.alloc.FlushEvents()
	if err != nil {
		return err
	}
	if changed {
		p.markResolutionChanged()
		return ErrResolutionChanged
	}
	return nil
}

func (p *Pool) markResolutionChanged() {
	p.mu.Lock()
	p.resolutionChanged = true
	p.mu.Unlock()
	p.logger.Info("Resolution change detected")
	p.bus.Publish(events.ResolutionChangedEvent{Pool: p.name, Timestamp: time.Now().Format(time.RFC3339)})
}

// StreamOn starts the device queue. Capture pools first queue every
// buffer the device does not hold. Calling it while streaming is a no-op.
func (p *Pool) StreamOn() error {
	if !p.active.Load() {
		return ErrInactive
	}
	return p.streamOn()
}

// StreamOff stops the device queue and takes back every queued buffer.
// Calling it while stopped is a no-op.
func (p *Pool) StreamOff() {
	p.streamOff()
}

func (p *Pool) streamOn() error {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	p.mu.Lock()
	if p.streaming {
		p.mu.Unlock()
		return nil
	}
	old := p.stateLocked()
	p.mu.Unlock()

	if p.dir == Capture {
		n := p.slots - int(p.numQueued.Load())
		for i := 0; i < n; i++ {
			if err := p.resurrect(); err != nil {
				p.logger.Debug("Could not top up capture queue", "error", err)
				break
			}
		}
	}

	if err := p.alloc.StreamOn(); err != nil {
		p.logger.Error("Failed to start streaming", "error", err)
		return err
	}

	p.mu.Lock()
	p.streaming = true
	p.mu.Unlock()

	p.logger.Debug("Started streaming")
	p.notifyState(old)
	return nil
}

func (p *Pool) streamOff() {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return
	}
	p.streaming = false
	p.mu.Unlock()

	if err := p.alloc.StreamOff(); err != nil {
		p.logger.Warn("STREAMOFF failed", "error", err)
	}
	p.logger.Debug("Stopped streaming")

	p.alloc.Flush()
	p.reclaimQueued()
}

// reclaimQueued clears every QUEUED bit after the device queue was
// stopped. Buffers the application does not hold go back to the free
// list.
func (p *Pool) reclaimQueued() {
	for i := range p.states {
		old := p.states[i].And(^slotQueued)
		if old&slotQueued == 0 {
			continue
		}
		buf := p.buffers[i].Swap(nil)
		if buf == nil {
			continue
		}
		if old&slotOutstanding == 0 {
			if p.dir == Output {
				p.completeRelease(buf, false)
			} else {
				p.dropImport(buf)
				p.baseRelease(buf)
			}
		}
		p.numQueued.Add(-1)
	}

	p.mu.Lock()
	if p.numQueued.Load() == 0 {
		p.empty = true
	}
	p.mu.Unlock()
}

// onGroupReleased puts a buffer back in the capture queue when a slot was
// lost, for example after a queue error tagged its buffer dirty.
func (p *Pool) onGroupReleased(e events.GroupReleasedEvent) {
	if e.Allocator != p.alloc.ID() || !p.active.Load() || p.flushing.Load() {
		return
	}
	p.mu.Lock()
	streaming := p.streaming && !p.orphaned
	p.mu.Unlock()
	if !streaming || p.dir != Capture {
		return
	}
	p.logger.Debug("A buffer was lost, reallocating it", "index", e.Index)
	if err := p.resurrect(); err != nil {
		p.logger.Debug("Resurrection failed", "error", err)
	}
}

// resurrect takes a free buffer, allocating one if allowed, and queues it
// by releasing it. Concurrent calls collapse into one.
func (p *Pool) resurrect() error {
	if !p.resurrecting.CompareAndSwap(false, true) {
		return ErrWouldBlock
	}
	defer p.resurrecting.Store(false)

	buf, err := p.Acquire(p.runContext(), &AcquireParams{DontWait: true, resurrect: true})
	if err != nil {
		return err
	}
	p.resurrections.Add(1)
	p.Release(buf)
	return nil
}

func (p *Pool) runContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx
}
