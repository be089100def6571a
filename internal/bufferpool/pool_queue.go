package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Acquire returns a buffer and marks its slot outstanding.
//
// Capture pools dequeue a completed frame, waiting for one unless
// params.DontWait is set. Output pools return a free slot to fill. A
// blocked Acquire returns ErrFlushing when FlushStart or Stop is called
// and ctx.Err() when ctx is done.
func (p *Pool) Acquire(ctx context.Context, params *AcquireParams) (*Buffer, error) {
	if params == nil {
		params = &AcquireParams{}
	}
	if !p.active.Load() {
		return nil, ErrInactive
	}

	var (
		buf *Buffer
		err error
	)
	switch {
	case params.resurrect:
		buf, err = p.baseAcquire(ctx, params.DontWait)
	case p.dir == Capture:
		p.mu.Lock()
		changed := p.resolutionChanged
		p.mu.Unlock()
		if changed {
			return nil, ErrNotNegotiated
		}
		buf, _, err = p.dqbuf(ctx, !params.DontWait)
	default:
		buf, err = p.baseAcquire(ctx, params.DontWait)
	}
	if err != nil {
		return nil, err
	}

	if buf.group != nil {
		old := p.states[buf.group.Index].Or(slotOutstanding)
		if old&slotOutstanding == 0 {
			p.outstanding.Add(1)
		}
	}
	return buf, nil
}

// Release gives a buffer obtained from Acquire or Process back to the
// pool. Capture buffers are queued to the device again; output buffers
// still queued stay with the device until they are dequeued.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil || buf.pool != p || buf.group == nil {
		return
	}
	idx := buf.group.Index
	old := p.states[idx].And(^slotOutstanding)
	if old&slotOutstanding == 0 {
		p.logger.Warn("Release of a buffer that is not outstanding", "index", idx)
		return
	}
	p.outstanding.Add(-1)
	p.completeRelease(buf, old&slotQueued != 0)
}

// completeRelease finishes a release once the slot's outstanding bit is
// clear. queued reports whether the device still holds the slot.
func (p *Pool) completeRelease(buf *Buffer, queued bool) {
	if buf.group == nil {
		return
	}
	if !p.active.Load() {
		p.dropImport(buf)
		p.baseRelease(buf)
		return
	}

	switch p.dir {
	case Capture:
		if queued {
			p.logger.Warn("Capture buffer released while still queued", "index", buf.group.Index)
			return
		}
		if buf.dirty {
			p.baseRelease(buf)
			return
		}
		p.dropImport(buf)
		p.alloc.ResetGroup(buf.group)
		buf.sync()

		var err error
		if p.mode.Imports() {
			_, err = p.prepare(buf, nil, 0)
		}
		if err == nil {
			err = p.qbuf(buf, nil)
		}
		if err != nil {
			if !errors.Is(err, ErrFlushing) {
				p.logger.Debug("Could not queue capture buffer", "index", buf.group.Index, "error", err)
			}
			p.dropImport(buf)
			p.baseRelease(buf)
		}

	case Output:
		if buf.dirty {
			p.baseRelease(buf)
			return
		}
		if queued {
			return
		}
		p.dropImport(buf)
		p.alloc.ResetGroup(buf.group)
		buf.sync()
		p.baseRelease(buf)
	}
}

// baseAcquire pops the free list, allocating a new buffer while under the
// configured maximum.
func (p *Pool) baseAcquire(ctx context.Context, dontWait bool) (*Buffer, error) {
	p.freeMu.Lock()
	for {
		if !p.active.Load() {
			p.freeMu.Unlock()
			return nil, ErrInactive
		}
		if p.flushing.Load() {
			p.freeMu.Unlock()
			return nil, ErrFlushing
		}
		if p.free.Length() > 0 {
			buf := p.free.Remove().(*Buffer)
			p.freeMu.Unlock()
			return buf, nil
		}
		if p.numBuffers < p.maxBuffers {
			p.numBuffers++
			p.freeMu.Unlock()
			buf, err := p.newBuffer()
			if err != nil {
				p.freeMu.Lock()
				p.numBuffers--
				p.freeMu.Unlock()
				return nil, err
			}
			return buf, nil
		}
		if dontWait {
			p.freeMu.Unlock()
			return nil, ErrWouldBlock
		}
		if err := ctx.Err(); err != nil {
			p.freeMu.Unlock()
			return nil, err
		}

		stop := context.AfterFunc(ctx, func() {
			p.freeMu.Lock()
			p.freeCond.Broadcast()
			p.freeMu.Unlock()
		})
		p.freeCond.Wait()
		stop()
	}
}

// baseRelease returns a buffer to the free list, or drops it when it is
// dirty or the pool is no longer active.
func (p *Pool) baseRelease(buf *Buffer) {
	p.freeMu.Lock()
	if buf.dirty || !p.active.Load() {
		p.numBuffers--
		p.freeMu.Unlock()
		p.discard(buf)
		return
	}
	p.free.Add(buf)
	p.freeCond.Signal()
	p.freeMu.Unlock()
}

// qbuf hands a buffer to the device.
func (p *Pool) qbuf(buf *Buffer, frameNumber *uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := buf.group.Index
	old := p.states[idx].Or(slotQueued)
	if old&slotQueued != 0 {
		p.logger.Error("The buffer was already queued", "index", idx)
		return fmt.Errorf("%w: slot %d", ErrDoubleQueue, idx)
	}

	field := FieldAny
	if p.dir == Output {
		field = p.format.Field
	}
	ts := buf.Timestamp
	if frameNumber != nil {
		ts = time.Duration(*frameNumber) * time.Second
	}

	if p.orphaned || p.stopping {
		p.states[idx].And(^slotQueued)
		return ErrFlushing
	}

	p.numQueued.Add(1)
	p.buffers[idx].Store(buf)

	if err := p.alloc.Queue(buf.group, field, ts); err != nil {
		buf.dirty = true
		p.numQueued.Add(-1)
		p.buffers[idx].Store(nil)
		p.states[idx].And(^slotQueued)
		if errors.Is(err, ErrFlushing) {
			return err
		}
		p.queueErrors.Add(1)
		p.logger.Error("Could not queue a buffer", "index", idx, "error", err)
		return err
	}

	p.empty = false
	p.emptyCond.Broadcast()
	return nil
}

// dqbuf takes the next completed buffer from the device. outstanding
// reports whether the application still holds it.
func (p *Pool) dqbuf(ctx context.Context, wait bool) (*Buffer, bool, error) {
	if err := p.poll(ctx, wait); err != nil {
		return nil, false, err
	}

	group, err := p.alloc.Dequeue()
	if err != nil {
		if !IsFlow(err) {
			p.dequeueErrors.Add(1)
			p.logger.Error("Failed to dequeue a buffer", "error", err)
		}
		return nil, false, err
	}

	idx := group.Index
	old := p.states[idx].And(^slotQueued)
	if old&slotQueued == 0 {
		p.dequeueErrors.Add(1)
		return nil, false, newError(ErrCodeQueue, "dequeue", fmt.Sprintf("no buffer queued at slot %d", idx), nil)
	}
	outstanding := old&slotOutstanding != 0
	if outstanding && p.dir == Capture {
		p.logger.Warn("Unexpected outstanding buffer", "index", idx)
	}

	buf := p.buffers[idx].Swap(nil)
	if buf == nil {
		p.dequeueErrors.Add(1)
		return nil, false, newError(ErrCodeQueue, "dequeue", fmt.Sprintf("no buffer found at slot %d", idx), nil)
	}
	if p.numQueued.Add(-1) == 0 {
		// qbuf raises the count under mu, so recheck there.
		p.mu.Lock()
		if p.numQueued.Load() == 0 {
			p.empty = true
		}
		p.mu.Unlock()
	}
	buf.sync()

	if group.Flags&DeviceFlagLast != 0 && (len(group.Planes) == 0 || group.Planes[0].Size == 0) {
		p.logger.Debug("Empty last buffer, signalling end of stream", "index", idx)
		if !outstanding {
			p.completeRelease(buf, false)
		}
		return nil, false, ErrEndOfStream
	}

	if p.dir == Capture {
		p.applyCaptureMeta(buf, group)
	}
	return buf, outstanding, nil
}

// poll waits until a queued buffer completes. Without wait it returns
// ErrWouldBlock instead of blocking.
func (p *Pool) poll(ctx context.Context, wait bool) error {
	p.mu.Lock()
	if !wait && p.empty {
		p.mu.Unlock()
		return ErrWouldBlock
	}
	if p.empty {
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.emptyCond.Broadcast()
			p.mu.Unlock()
		})
		for p.empty && !p.flushing.Load() && p.active.Load() && ctx.Err() == nil {
			p.emptyCond.Wait()
		}
		stop()
	}
	runCtx := p.runCtx
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if p.flushing.Load() || !p.active.Load() {
		return ErrFlushing
	}

	if !p.caps.CanPoll {
		if wait {
			return nil
		}
		return ErrWouldBlock
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	timeout := time.Duration(0)
	if wait {
		timeout = -1
	}
	err := p.alloc.Poll(pctx, timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFlushing):
		if cerr := ctx.Err(); cerr != nil && !p.flushing.Load() && p.active.Load() {
			return cerr
		}
	case errors.Is(err, ErrResolutionChanged):
		p.markResolutionChanged()
	}
	return err
}

func (p *Pool) applyCaptureMeta(buf *Buffer, group *MemoryGroup) {
	field := group.Field
	if field == FieldAny {
		if p.warnedField.CompareAndSwap(false, true) {
			p.logger.Warn("Driver should never set the buffer field to ANY")
		}
		field = p.format.Field
		if field == FieldAny {
			field = FieldNone
		}
	}

	var flags BufferFlags
	switch field {
	case FieldNone:
	case FieldTop:
		flags |= FlagInterlaced | FlagTopField
	case FieldBottom:
		flags |= FlagInterlaced | FlagBottomField
	case FieldInterlacedTB, FieldInterlaced:
		flags |= FlagInterlaced | FlagTopFieldFirst
	case FieldInterlacedBT:
		flags |= FlagInterlaced
	default:
		p.logger.Debug("Unhandled field order, treating as progressive", "field", uint32(field))
	}

	if p.format.Encoded && !p.format.IntraOnly && group.Flags&DeviceFlagKeyframe == 0 {
		flags |= FlagDeltaUnit
	}
	if group.Flags&DeviceFlagError != 0 {
		flags |= FlagCorrupted
	}

	buf.Field = field
	buf.Flags = flags
	buf.Timestamp = group.Timestamp
	buf.Sequence = group.Sequence
	if buf.Meta != nil {
		buf.Meta.Field = field
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name          string
	State         State
	Direction     Direction
	Mode          MemoryMode
	Slots         int
	Buffers       int
	Free          int
	Queued        int
	Outstanding   int
	MinBuffers    int
	MaxBuffers    int
	CopyThreshold int
	MinLatency    int
	MaxLatency    int
	Orphaned      bool
	Copies        uint64
	Resurrections uint64
	DequeueErrors uint64
	QueueErrors   uint64
	Truncated     uint64
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:      p.name,
		State:     p.stateLocked(),
		Direction: p.dir,
		Mode:      p.config.Mode,
		Orphaned:  p.orphaned,
	}
	if p.active.Load() {
		s.Mode = p.mode
		s.Slots = p.slots
		s.MinBuffers = p.minBuffers
		s.MaxBuffers = p.maxBuffers
		s.CopyThreshold = int(p.copyThreshold)
		s.MinLatency = int(p.minLatency)
		s.MaxLatency = p.maxLatency
	}
	p.mu.Unlock()

	p.freeMu.Lock()
	s.Buffers = p.numBuffers
	s.Free = p.free.Length()
	p.freeMu.Unlock()

	s.Queued = int(p.numQueued.Load())
	s.Outstanding = int(p.outstanding.Load())
	s.Copies = p.copies.Load()
	s.Resurrections = p.resurrections.Load()
	s.DequeueErrors = p.dequeueErrors.Load()
	s.QueueErrors = p.queueErrors.Load()
	s.Truncated = p.truncated.Load()
	return s
}

// SlotStates returns the state bits of the first n slots.
func (p *Pool) SlotStates() []SlotState {
	p.mu.Lock()
	n := p.slots
	p.mu.Unlock()
	if n > MaxSlots {
		n = MaxSlots
	}
	out := make([]SlotState, n)
	for i := range out {
		out[i] = SlotState(p.states[i].Load())
	}
	return out
}
