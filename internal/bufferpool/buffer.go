package bufferpool

import (
	"context"
	"time"
)

// BufferFlags describe a dequeued frame.
type BufferFlags uint32

const (
	FlagDeltaUnit BufferFlags = 1 << iota
	FlagInterlaced
	FlagTopFieldFirst
	FlagTopField
	FlagBottomField
	FlagCorrupted
	FlagLast
)

// VideoMeta describes the plane layout of a raw video buffer.
type VideoMeta struct {
	PlaneCount int
	PlaneSizes []uint32
	Field      Field
}

// Buffer is the handle the application works with. Buffers from a pool
// wrap one MemoryGroup; detached buffers (copies, application buffers)
// own their memory.
type Buffer struct {
	// Planes are the payload views, one per plane. They are nil for
	// memory not addressable from the process.
	Planes [][]byte
	// FDs are the dmabuf handles for exported or imported memory.
	FDs []int
	// Sizes are the payload sizes, one per plane.
	Sizes []uint32

	Timestamp time.Duration
	Sequence  uint32
	Field     Field
	Flags     BufferFlags
	Meta      *VideoMeta

	pool       *Pool
	group      *MemoryGroup
	dirty      bool
	imported   *Buffer
	ownsImport bool
}

// NewBuffer wraps application memory in a detached buffer.
func NewBuffer(planes ...[]byte) *Buffer {
	b := &Buffer{Planes: planes, Sizes: make([]uint32, len(planes))}
	for i, p := range planes {
		b.Sizes[i] = uint32(len(p))
	}
	return b
}

// NewDMABuf wraps dmabuf handles in a detached buffer.
func NewDMABuf(fds []int, sizes []uint32) *Buffer {
	return &Buffer{FDs: fds, Sizes: sizes}
}

// Size is the total payload in bytes.
func (b *Buffer) Size() int {
	n := 0
	for _, s := range b.Sizes {
		n += int(s)
	}
	return n
}

// Index returns the kernel slot of a pool buffer, or -1.
func (b *Buffer) Index() int {
	if b.group == nil {
		return -1
	}
	return b.group.Index
}

// Pool returns the owning pool, or nil for detached buffers.
func (b *Buffer) Pool() *Pool {
	return b.pool
}

// Release returns the buffer to its pool. It is a no-op for detached
// buffers.
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.Release(b)
	}
}

// sync refreshes the views from the group after a dequeue or reset.
func (b *Buffer) sync() {
	g := b.group
	if g == nil {
		return
	}
	n := len(g.Planes)
	if cap(b.Planes) < n {
		b.Planes = make([][]byte, n)
		b.FDs = make([]int, n)
		b.Sizes = make([]uint32, n)
	}
	b.Planes = b.Planes[:n]
	b.FDs = b.FDs[:n]
	b.Sizes = b.Sizes[:n]
	for i := range g.Planes {
		p := &g.Planes[i]
		b.Planes[i] = p.Bytes()
		b.Sizes[i] = p.Size
		switch m := p.Memory.(type) {
		case ExportedMemory:
			b.FDs[i] = m.FD
		case ExternalMemory:
			b.FDs[i] = m.FD
		case MappedMemory, UserMemory, nil:
			b.FDs[i] = -1
		}
	}
}

// setSize trims or extends the payload of the group to n bytes, filling
// planes in order. Used before queueing output buffers.
func (b *Buffer) setSize(n int) {
	g := b.group
	for i := range g.Planes {
		p := &g.Planes[i]
		p.Offset = 0
		size := int(p.Length)
		if size > n {
			size = n
		}
		p.Size = uint32(size)
		n -= size
	}
	b.sync()
}

// capacity is the total negotiated size of the group.
func (b *Buffer) capacity() int {
	n := 0
	for i := range b.group.Planes {
		n += int(b.group.Planes[i].Length)
	}
	return n
}

func (b *Buffer) copyMeta(src *Buffer) {
	b.Timestamp = src.Timestamp
	b.Sequence = src.Sequence
	b.Field = src.Field
	b.Flags = src.Flags
}

// clone makes a detached deep copy of b.
func (b *Buffer) clone() *Buffer {
	c := &Buffer{
		Planes: make([][]byte, len(b.Planes)),
		Sizes:  append([]uint32(nil), b.Sizes...),
	}
	for i, p := range b.Planes {
		c.Planes[i] = append([]byte(nil), p...)
	}
	c.copyMeta(b)
	if b.Meta != nil {
		m := *b.Meta
		m.PlaneSizes = append([]uint32(nil), b.Meta.PlaneSizes...)
		c.Meta = &m
	}
	return c
}

// clearPayload empties every plane of a pool buffer before a copy.
func (b *Buffer) clearPayload() {
	for i := range b.group.Planes {
		b.group.Planes[i].Size = 0
		b.group.Planes[i].Offset = 0
	}
}

// copyFrom appends payload from src into the planes of a pool buffer,
// starting offset bytes into src, and returns how many bytes were copied.
func (b *Buffer) copyFrom(src *Buffer, offset int) int {
	copied := 0
	dst := 0
	for _, plane := range src.Planes {
		if offset >= len(plane) {
			offset -= len(plane)
			continue
		}
		data := plane[offset:]
		offset = 0
		for len(data) > 0 && dst < len(b.group.Planes) {
			p := &b.group.Planes[dst]
			mem := p.memoryBytes()
			limit := int(p.Length)
			if len(mem) < limit {
				limit = len(mem)
			}
			if int(p.Size) >= limit {
				dst++
				continue
			}
			n := copy(mem[p.Size:limit], data)
			p.Size += uint32(n)
			data = data[n:]
			copied += n
		}
	}
	b.sync()
	return copied
}

// copyInto copies the payload of src into a detached buffer plane by
// plane, growing planes within their capacity.
func copyInto(dst, src *Buffer) {
	if len(dst.Sizes) < len(dst.Planes) {
		dst.Sizes = make([]uint32, len(dst.Planes))
	}
	for i := range dst.Planes {
		if i >= len(src.Planes) {
			dst.Sizes[i] = 0
			continue
		}
		data := src.Planes[i]
		if cap(dst.Planes[i]) >= len(data) {
			dst.Planes[i] = dst.Planes[i][:len(data)]
		}
		n := copy(dst.Planes[i], data)
		dst.Sizes[i] = uint32(n)
	}
	dst.copyMeta(src)
}

func (p *Plane) memoryBytes() []byte {
	switch m := p.Memory.(type) {
	case MappedMemory:
		return m.Data
	case ExportedMemory:
		return m.Data
	case UserMemory:
		return m.Data
	case ExternalMemory, nil:
	}
	return nil
}

// BufferSource supplies memory for import-mode pools. A *Pool is a
// BufferSource.
type BufferSource interface {
	Acquire(ctx context.Context, params *AcquireParams) (*Buffer, error)
}

// AcquireParams tunes Acquire.
type AcquireParams struct {
	// DontWait returns ErrWouldBlock instead of waiting.
	DontWait bool

	resurrect bool
}
