package bufferpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type testSource struct {
	size     int
	acquired atomic.Int32
}

func (s *testSource) Acquire(_ context.Context, _ *AcquireParams) (*Buffer, error) {
	s.acquired.Add(1)
	return NewBuffer(make([]byte, s.size)), nil
}

func TestProcessCaptureOwnBuffer(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Capture, Config{MinBuffers: 4, MaxBuffers: 4})

	buf, err := p.Capture(context.Background(), nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if buf.Pool() != p {
		t.Error("Capture() copied a frame with a full queue")
	}
	if buf.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", buf.Size())
	}
	if buf.Sequence != 1 || buf.Planes[0][0] != 1 {
		t.Errorf("sequence=%d first byte=%d, want 1 and 1", buf.Sequence, buf.Planes[0][0])
	}
	buf.Release()
	if got := p.Stats().Copies; got != 0 {
		t.Errorf("Copies = %d, want 0", got)
	}
}

func TestProcessCaptureCopyAtThreshold(t *testing.T) {
	dev := newMockDevice(1024)
	p := newTestPool(t, dev, Capture, Config{MinBuffers: 3, MaxBuffers: 3})
	p.CopyAtThreshold(true)
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	if got := p.Stats().CopyThreshold; got != 2 {
		t.Fatalf("CopyThreshold = %d, want 2", got)
	}

	ctx := context.Background()
	first, err := p.Capture(ctx, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if first.Pool() != p {
		t.Error("first frame copied while the queue is above the threshold")
	}

	second, err := p.Capture(ctx, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if second.Pool() != nil {
		t.Error("second frame not copied below the threshold")
	}
	if second.Planes[0][0] != byte(second.Sequence) {
		t.Errorf("copied payload %d does not match sequence %d", second.Planes[0][0], second.Sequence)
	}

	first.Release()
	second.Release()
	if got := p.Stats().Queued; got != 3 {
		t.Errorf("Queued = %d, want 3", got)
	}
}

func TestProcessCaptureForeign(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Capture, Config{MinBuffers: 2, MaxBuffers: 2})

	dst := NewBuffer(make([]byte, 0, 1024))
	out, err := p.Process(context.Background(), dst, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out != dst {
		t.Fatal("Process() did not fill the given buffer")
	}
	if len(dst.Planes[0]) != 1024 || dst.Sizes[0] != 1024 {
		t.Errorf("copied %d bytes (size %d), want 1024", len(dst.Planes[0]), dst.Sizes[0])
	}
	if dst.Planes[0][0] != 1 {
		t.Errorf("first byte = %d, want 1", dst.Planes[0][0])
	}

	s := p.Stats()
	if s.Copies != 1 {
		t.Errorf("Copies = %d, want 1", s.Copies)
	}
	if s.Queued != 2 {
		t.Errorf("Queued = %d, want 2", s.Queued)
	}
}

func TestProcessCaptureTruncated(t *testing.T) {
	dev := newMockDevice(1024)
	dev.payload = 512
	p := startTestPool(t, dev, Capture, Config{MinBuffers: 2, MaxBuffers: 2})

	buf, err := p.Capture(context.Background(), nil)
	if !errors.Is(err, ErrCorruptedBuffer) {
		t.Fatalf("Capture() error = %v, want ErrCorruptedBuffer", err)
	}
	if buf != nil {
		t.Error("Capture() returned a buffer with an error")
	}
	s := p.Stats()
	if s.Truncated != 1 {
		t.Errorf("Truncated = %d, want 1", s.Truncated)
	}
	if s.Queued != 2 || s.Outstanding != 0 {
		t.Errorf("Queued=%d Outstanding=%d, want 2 and 0", s.Queued, s.Outstanding)
	}
}

func TestProcessCaptureEncodedShortPayload(t *testing.T) {
	dev := newMockDevice(1024)
	dev.payload = 100
	f := dev.format()
	f.Encoded = true
	p := startTestPool(t, dev, Capture, Config{Format: f, MinBuffers: 2, MaxBuffers: 2})

	buf, err := p.Capture(context.Background(), nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if buf.Size() != 100 {
		t.Errorf("Size() = %d, want 100", buf.Size())
	}
	buf.Release()
}

func TestCaptureMeta(t *testing.T) {
	tests := []struct {
		name      string
		field     Field
		flags     DeviceFlags
		encoded   bool
		intraOnly bool
		wantField Field
		wantFlags BufferFlags
	}{
		{"progressive", FieldNone, 0, false, false, FieldNone, 0},
		{"any falls back", FieldAny, 0, false, false, FieldNone, 0},
		{"top", FieldTop, 0, false, false, FieldTop, FlagInterlaced | FlagTopField},
		{"bottom", FieldBottom, 0, false, false, FieldBottom, FlagInterlaced | FlagBottomField},
		{"interlaced tb", FieldInterlacedTB, 0, false, false, FieldInterlacedTB, FlagInterlaced | FlagTopFieldFirst},
		{"interlaced", FieldInterlaced, 0, false, false, FieldInterlaced, FlagInterlaced | FlagTopFieldFirst},
		{"interlaced bt", FieldInterlacedBT, 0, false, false, FieldInterlacedBT, FlagInterlaced},
		{"delta frame", FieldNone, DeviceFlagPFrame, true, false, FieldNone, FlagDeltaUnit},
		{"keyframe", FieldNone, DeviceFlagKeyframe, true, false, FieldNone, 0},
		{"intra only", FieldNone, 0, true, true, FieldNone, 0},
		{"error", FieldNone, DeviceFlagError, false, false, FieldNone, FlagCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newMockDevice(1024)
			dev.field = tt.field
			dev.flags = tt.flags
			f := dev.format()
			f.Encoded = tt.encoded
			f.IntraOnly = tt.intraOnly
			p := startTestPool(t, dev, Capture, Config{Format: f, MinBuffers: 2, MaxBuffers: 2})

			buf, err := p.Acquire(context.Background(), nil)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer buf.Release()
			if buf.Field != tt.wantField {
				t.Errorf("Field = %d, want %d", buf.Field, tt.wantField)
			}
			if buf.Flags != tt.wantFlags {
				t.Errorf("Flags = %#x, want %#x", buf.Flags, tt.wantFlags)
			}
			if buf.Timestamp != time.Millisecond {
				t.Errorf("Timestamp = %v, want 1ms", buf.Timestamp)
			}
		})
	}
}

func TestCaptureVideoMeta(t *testing.T) {
	dev := newMockDevice(1024, 512)
	f := dev.format()
	f.NeedsVideoMeta = true
	p := startTestPool(t, dev, Capture, Config{Format: f, MinBuffers: 2, MaxBuffers: 2})

	buf, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer buf.Release()
	if buf.Meta == nil {
		t.Fatal("Meta = nil for a non-default layout")
	}
	if buf.Meta.PlaneCount != 2 || buf.Meta.PlaneSizes[1] != 512 {
		t.Errorf("Meta = %+v, want 2 planes with sizes 1024 and 512", buf.Meta)
	}
}

func TestCaptureLastBuffer(t *testing.T) {
	dev := newMockDevice(1024)
	dev.caps.M2M = true
	dev.lastEmpty = true
	p := startTestPool(t, dev, Capture, Config{MinBuffers: 2, MaxBuffers: 2})

	if _, err := p.Acquire(context.Background(), nil); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Acquire() error = %v, want ErrEndOfStream", err)
	}
	if got := p.Stats().Queued; got != 2 {
		t.Errorf("Queued = %d after empty last buffer, want 2", got)
	}
	buf, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire() after end of stream error = %v", err)
	}
	buf.Release()
}

func TestCaptureUserPtrImport(t *testing.T) {
	dev := newMockDevice(1024)
	src := &testSource{size: 1024}
	p := newTestPool(t, dev, Capture, Config{MinBuffers: 2, MaxBuffers: 2, Mode: ModeUserPtr})

	if err := p.Start(); !errors.Is(err, ErrConfig) {
		t.Fatalf("Start() without import source error = %v, want config error", err)
	}
	if err := p.SetImportSource(src); err != nil {
		t.Fatalf("SetImportSource() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	if got := src.acquired.Load(); got != 2 {
		t.Errorf("source acquired %d times at start, want 2", got)
	}
	if err := p.SetImportSource(nil); err == nil {
		t.Error("SetImportSource() succeeded while active")
	}

	buf, err := p.Capture(context.Background(), nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if buf.Pool() != nil {
		t.Error("Capture() returned the pool buffer instead of the imported one")
	}
	if buf.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", buf.Size())
	}
	if got := src.acquired.Load(); got != 3 {
		t.Errorf("source acquired %d times, want 3", got)
	}
	if got := p.Stats().Queued; got != 2 {
		t.Errorf("Queued = %d, want 2", got)
	}
	req := dev.lastQueued()
	if req.Memory != KernelMemoryUserPtr || req.Planes[0].UserPtr == nil {
		t.Errorf("last queue = %+v, want a userptr plane", req)
	}
}

func TestOutputCopy(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2})

	if s := p.Stats(); s.Free != 2 || s.Queued != 0 {
		t.Fatalf("after start Free=%d Queued=%d, want 2 and 0", s.Free, s.Queued)
	}
	if dev.callCount("streamon") != 0 {
		t.Error("output pool streamed before the first Process")
	}

	data := make([]byte, 1024)
	for i := range data {
		data[i] = 0xab
	}
	src := NewBuffer(data)
	frame := uint32(7)
	out, err := p.Process(context.Background(), src, &frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out != src {
		t.Error("Process() returned a different buffer")
	}
	if dev.callCount("streamon") != 1 {
		t.Errorf("streamon called %d times, want 1", dev.callCount("streamon"))
	}
	req := dev.lastQueued()
	if req.Timestamp != 7*time.Second {
		t.Errorf("queued timestamp = %v, want 7s", req.Timestamp)
	}
	if req.Planes[0].BytesUsed != 1024 {
		t.Errorf("queued bytesused = %d, want 1024", req.Planes[0].BytesUsed)
	}

	s := p.Stats()
	if s.Free != 2 || s.Queued != 0 || s.Outstanding != 0 {
		t.Errorf("after drain Free=%d Queued=%d Outstanding=%d, want 2, 0, 0", s.Free, s.Queued, s.Outstanding)
	}
	if s.Copies != 1 {
		t.Errorf("Copies = %d, want 1", s.Copies)
	}
}

func TestOutputOwnBuffer(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2})
	ctx := context.Background()

	buf, err := p.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	copy(buf.Planes[0], "frame")

	out, err := p.Process(ctx, buf, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out != buf {
		t.Fatal("Process() replaced an own buffer")
	}
	if got := p.Stats().Copies; got != 0 {
		t.Errorf("Copies = %d, want 0", got)
	}
	if got := p.Stats().Outstanding; got != 1 {
		t.Errorf("Outstanding = %d before release, want 1", got)
	}
	out.Release()
	if s := p.Stats(); s.Outstanding != 0 || s.Free != 2 {
		t.Errorf("after release Outstanding=%d Free=%d, want 0 and 2", s.Outstanding, s.Free)
	}
}

func TestOutputAcquireBlocks(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Output, Config{MinBuffers: 1, MaxBuffers: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := p.Acquire(ctx, &AcquireParams{DontWait: true}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Acquire(DontWait) error = %v, want ErrWouldBlock", err)
	}

	got := make(chan *Buffer, 1)
	go func() {
		buf, err := p.Acquire(ctx, nil)
		if err != nil {
			t.Errorf("blocked Acquire() error = %v", err)
		}
		got <- buf
	}()

	time.Sleep(10 * time.Millisecond)
	held.Release()

	select {
	case buf := <-got:
		if buf != nil {
			buf.Release()
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() still blocked after release")
	}
}

func TestOutputDrainBlocks(t *testing.T) {
	dev := newMockDevice(1024)
	dev.autoComplete = false
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2})
	ctx := context.Background()

	if _, err := p.Process(ctx, NewBuffer(make([]byte, 1024)), nil); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if got := p.Stats().Queued; got != 1 {
		t.Fatalf("Queued = %d, want 1", got)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		dev.complete(1)
	}()
	if _, err := p.Process(ctx, NewBuffer(make([]byte, 1024)), nil); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	s := p.Stats()
	if s.Queued != 1 || s.Free != 1 {
		t.Errorf("Queued=%d Free=%d, want 1 and 1", s.Queued, s.Free)
	}
}

func TestOutputEncodedSplit(t *testing.T) {
	dev := newMockDevice(1024)
	f := dev.format()
	f.Encoded = true
	p := startTestPool(t, dev, Output, Config{Format: f, MinBuffers: 2, MaxBuffers: 2})

	if _, err := p.Process(context.Background(), NewBuffer(make([]byte, 2500)), nil); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n := dev.callCount("qbuf"); n != 3 {
		t.Errorf("qbuf called %d times, want 3", n)
	}
	if got := dev.lastQueued().Planes[0].BytesUsed; got != 2500-2048 {
		t.Errorf("last chunk bytesused = %d, want %d", got, 2500-2048)
	}
}

func TestOutputUserPtrImport(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2, Mode: ModeUserPtr})

	data := make([]byte, 1024)
	if _, err := p.Process(context.Background(), NewBuffer(data), nil); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	req := dev.lastQueued()
	if req.Memory != KernelMemoryUserPtr || &req.Planes[0].UserPtr[0] != &data[0] {
		t.Error("output buffer was not imported by address")
	}
	if got := p.Stats().Copies; got != 0 {
		t.Errorf("Copies = %d, want 0", got)
	}

	short := NewBuffer(make([]byte, 100))
	if _, err := p.Process(context.Background(), short, nil); !errors.Is(err, ErrAllocation) {
		t.Errorf("Process() with a short buffer error = %v, want allocation error", err)
	}
	if got := p.Stats().Free; got != 2 {
		t.Errorf("Free = %d after failed import, want 2", got)
	}
}

func TestOutputDMABufImport(t *testing.T) {
	dev := newMockDevice(1024)
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2, Mode: ModeDMABufImport})

	if _, err := p.Process(context.Background(), NewDMABuf([]int{9}, []uint32{1024}), nil); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	req := dev.lastQueued()
	if req.Memory != KernelMemoryDMABuf || req.Planes[0].FD != 9 {
		t.Errorf("last queue = %+v, want dmabuf fd 9", req)
	}
}

func TestOutputStreamOnFailure(t *testing.T) {
	dev := newMockDevice(1024)
	dev.autoComplete = false
	dev.streamOnErr = errors.New("device busy")
	p := startTestPool(t, dev, Output, Config{MinBuffers: 2, MaxBuffers: 2})

	if _, err := p.Process(context.Background(), NewBuffer(make([]byte, 1024)), nil); !errors.Is(err, ErrQueue) {
		t.Fatalf("Process() error = %v, want queue error", err)
	}
	s := p.Stats()
	if s.Queued != 0 || s.Free != 2 || s.Outstanding != 0 {
		t.Errorf("Queued=%d Free=%d Outstanding=%d, want 0, 2, 0", s.Queued, s.Free, s.Outstanding)
	}
}

func TestProcessInactive(t *testing.T) {
	p := NewPool(newMockDevice(1024), Options{Name: "test"})
	buf := NewBuffer(make([]byte, 8))
	out, err := p.Process(context.Background(), buf, nil)
	if !errors.Is(err, ErrInactive) {
		t.Errorf("Process() error = %v, want ErrInactive", err)
	}
	if out != buf {
		t.Error("Process() did not hand the buffer back")
	}
}
