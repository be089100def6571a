package session

import (
	"context"
	"io"
	"sync"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
)

// DiscardSink drops every frame.
type DiscardSink struct{}

// WriteFrame implements FrameSink.
func (DiscardSink) WriteFrame(string, *bufferpool.Buffer) error { return nil }

// WriterSink writes frame payloads back to back to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// WriteFrame implements FrameSink. Planes without a CPU mapping are
// skipped.
func (s *WriterSink) WriteFrame(_ string, buf *bufferpool.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range buf.Planes {
		if p == nil || i >= len(buf.Sizes) {
			continue
		}
		n := int(buf.Sizes[i])
		if n > len(p) {
			n = len(p)
		}
		if _, err := s.w.Write(p[:n]); err != nil {
			return err
		}
	}
	return nil
}

// PatternSource produces frames filled with an incrementing byte, for
// exercising output devices without real input.
type PatternSource struct {
	mu    sync.Mutex
	next  byte
	limit int
	sent  int
}

// NewPatternSource creates a source producing limit frames, or frames
// forever when limit is 0.
func NewPatternSource(limit int) *PatternSource {
	return &PatternSource{limit: limit}
}

// ReadFrame implements FrameSource.
func (s *PatternSource) ReadFrame(_ string, dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.sent >= s.limit {
		return 0, io.EOF
	}
	for i := range dst {
		dst[i] = s.next
	}
	s.next++
	s.sent++
	return len(dst), nil
}

// ReaderSource reads fixed-size frames from an io.Reader. A short final
// frame is sent as is.
type ReaderSource struct {
	mu sync.Mutex
	r  io.Reader
}

// NewReaderSource creates a source reading from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// ReadFrame implements FrameSource.
func (s *ReaderSource) ReadFrame(_ string, dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := io.ReadFull(s.r, dst)
	if err == io.ErrUnexpectedEOF && n > 0 {
		return n, nil
	}
	return n, err
}

// heapSource hands userptr capture pools fresh Go memory for every queued
// slot. The device binding pins it while the kernel holds it.
type heapSource struct {
	planes []uint32
}

func newHeapSource(f bufferpool.Format) heapSource {
	planes := f.PlaneSizes
	if len(planes) == 0 {
		planes = []uint32{f.TotalSize}
	}
	return heapSource{planes: append([]uint32(nil), planes...)}
}

// Acquire implements bufferpool.BufferSource.
func (h heapSource) Acquire(ctx context.Context, _ *bufferpool.AcquireParams) (*bufferpool.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	planes := make([][]byte, len(h.planes))
	for i, n := range h.planes {
		planes[i] = make([]byte, n)
	}
	return bufferpool.NewBuffer(planes...), nil
}
