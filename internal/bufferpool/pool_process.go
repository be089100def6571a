package bufferpool

import (
	"context"
	"errors"
	"fmt"
)

// Process is the data path entry point.
//
// For capture pools, buf is either a buffer from Acquire or a detached
// buffer to fill. Own buffers are handed through without a copy unless the
// device queue is running low, in which case a private copy is returned
// and the slot is queued again. Import-mode pools return the imported
// application buffer instead. Detached buffers receive a copy of the next
// completed frame.
//
// For output pools, buf is queued to the device, copied or imported into
// a free slot first when it is not one of the pool's own unqueued
// buffers. frameNumber, when set, replaces the timestamp queued with it.
//
// The returned buffer belongs to the caller, who must Release it.
func (p *Pool) Process(ctx context.Context, buf *Buffer, frameNumber *uint32) (*Buffer, error) {
	if !p.active.Load() {
		return buf, ErrInactive
	}
	if p.dir == Capture {
		return p.processCapture(ctx, buf)
	}
	return buf, p.processOutput(ctx, buf, frameNumber)
}

// Capture acquires the next frame and runs it through Process.
func (p *Pool) Capture(ctx context.Context, params *AcquireParams) (*Buffer, error) {
	buf, err := p.Acquire(ctx, params)
	if err != nil {
		return nil, err
	}
	out, err := p.Process(ctx, buf, nil)
	if err != nil && out != nil {
		out.Release()
		return nil, err
	}
	return out, err
}

func (p *Pool) processCapture(ctx context.Context, buf *Buffer) (*Buffer, error) {
	p.mu.Lock()
	changed := p.resolutionChanged
	p.mu.Unlock()
	if changed {
		return buf, ErrNotNegotiated
	}

	if buf.pool == p && buf.group != nil && !buf.dirty {
		switch p.mode {
		case ModeMMAP, ModeDMABufExport:
			return p.processOwnCapture(buf)
		case ModeUserPtr, ModeDMABufImport:
			out := buf.imported
			if out == nil {
				return buf, newError(ErrCodeQueue, "process", fmt.Sprintf("slot %d has no imported buffer", buf.group.Index), nil)
			}
			buf.imported = nil
			buf.ownsImport = false
			for i := range out.Sizes {
				if i >= len(buf.Sizes) {
					break
				}
				out.Sizes[i] = buf.Sizes[i]
				if i < len(out.Planes) && cap(out.Planes[i]) >= int(buf.Sizes[i]) {
					out.Planes[i] = out.Planes[i][:buf.Sizes[i]]
				}
			}
			out.copyMeta(buf)
			p.Release(buf)
			return out, nil
		}
	}

	// Not ours: grab a frame and copy it into the target.
	tmp, _, err := p.dqbuf(ctx, true)
	if err != nil {
		return buf, err
	}
	if tmp.Size() == 0 && p.caps.M2M {
		p.completeRelease(tmp, false)
		return buf, ErrEndOfStream
	}
	if buf.group != nil {
		buf.clearPayload()
		buf.copyFrom(tmp, 0)
		buf.copyMeta(tmp)
	} else {
		copyInto(buf, tmp)
	}
	p.completeRelease(tmp, false)
	p.copies.Add(1)
	return buf, nil
}

func (p *Pool) processOwnCapture(buf *Buffer) (*Buffer, error) {
	size := buf.Size()

	// Legacy M2M devices return an empty buffer when drained.
	if size == 0 && p.caps.M2M {
		return buf, ErrEndOfStream
	}
	if !p.format.Encoded && uint32(size) < p.size {
		p.truncated.Add(1)
		p.logger.Warn("Dropping truncated buffer", "index", buf.group.Index, "size", size, "expected", p.size)
		return buf, ErrCorruptedBuffer
	}

	queued := p.numQueued.Load()
	if queued == 0 && p.canAllocate {
		p.logger.Debug("Resurrect for empty queue")
		if err := p.resurrect(); err == nil || errors.Is(err, ErrFlushing) {
			return buf, nil
		}
	}

	if queued < p.copyThreshold {
		if p.canAllocate {
			p.logger.Debug("Resurrect for threshold")
			if err := p.resurrect(); err == nil || errors.Is(err, ErrFlushing) {
				return buf, nil
			}
		}
		copied := buf.clone()
		p.copies.Add(1)
		p.Release(buf)
		return copied, nil
	}
	return buf, nil
}

func (p *Pool) processOutput(ctx context.Context, buf *Buffer, frameNumber *uint32) error {
	offset := 0
	splitCount := int32(1)

	for {
		var toQueue *Buffer
		acquired := false

		if offset == 0 && buf.pool == p && buf.group != nil && !buf.dirty &&
			p.states[buf.group.Index].Load()&slotQueued == 0 {
			toQueue = buf
		} else {
			var err error
			toQueue, err = p.Acquire(ctx, &AcquireParams{DontWait: true})
			if err != nil {
				return err
			}
			acquired = true
			n, err := p.prepare(toQueue, buf, offset)
			if err != nil {
				p.Release(toQueue)
				return err
			}
			offset += n
		}

		if err := p.qbuf(toQueue, frameNumber); err != nil {
			if acquired {
				p.Release(toQueue)
			}
			return err
		}

		if err := p.streamOn(); err != nil {
			// Not streaming, so nothing else will take the buffer back.
			p.alloc.Flush()
			idx := toQueue.group.Index
			p.buffers[idx].Store(nil)
			p.states[idx].And(^slotQueued)
			p.numQueued.Add(-1)
			if acquired {
				p.Release(toQueue)
			}
			return err
		}

		if acquired {
			p.Release(toQueue)
		}

		// Release as many buffers as possible.
		for {
			done, outstanding, err := p.dqbuf(ctx, false)
			if err != nil {
				break
			}
			if !outstanding {
				p.completeRelease(done, false)
			}
		}

		if queued := p.numQueued.Load(); queued >= p.minLatency && queued > splitCount {
			done, outstanding, err := p.dqbuf(ctx, true)
			if err != nil {
				return err
			}
			if !outstanding {
				p.completeRelease(done, false)
			}
		}

		if p.format.Encoded && offset > 0 && offset < buf.Size() {
			splitCount++
			continue
		}
		return nil
	}
}

// prepare fills a pool buffer from src, copying or importing depending on
// the memory mode. A nil src is taken from the import source. It returns
// how many bytes of src were consumed.
func (p *Pool) prepare(dst, src *Buffer, offset int) (int, error) {
	owned := false
	if src == nil {
		p.mu.Lock()
		source := p.importSource
		ctx := p.runCtx
		p.mu.Unlock()
		if source == nil {
			return 0, newError(ErrCodeQueue, "prepare", "source buffer missing", nil)
		}
		s, err := source.Acquire(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("acquire from import source: %w", err)
		}
		src = s
		owned = true
	}

	switch p.mode {
	case ModeMMAP, ModeDMABufExport:
		dst.clearPayload()
		n := dst.copyFrom(src, offset)
		dst.copyMeta(src)
		if owned {
			src.Release()
		}
		p.copies.Add(1)
		return n, nil

	case ModeUserPtr:
		size := src.Size() - offset
		if err := p.alloc.ImportUserPtr(dst.group, size, src.Planes); err != nil {
			if owned {
				src.Release()
			}
			return 0, err
		}
		dst.imported = src
		dst.ownsImport = owned
		dst.sync()
		dst.copyMeta(src)
		return size, nil

	case ModeDMABufImport:
		if err := p.alloc.ImportExternal(dst.group, src.FDs, src.Sizes); err != nil {
			if owned {
				src.Release()
			}
			return 0, err
		}
		dst.imported = src
		dst.ownsImport = owned
		dst.sync()
		dst.copyMeta(src)
		return src.Size(), nil
	}
	return 0, newError(ErrCodeConfig, "prepare", fmt.Sprintf("unknown memory mode %d", p.mode), nil)
}
