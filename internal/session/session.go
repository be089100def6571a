package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/internal/events"
)

// FrameSink consumes captured frames. The buffer is only valid until
// WriteFrame returns.
type FrameSink interface {
	WriteFrame(id string, buf *bufferpool.Buffer) error
}

// FrameSource produces frames for output sessions. It returns io.EOF when
// there is nothing more to send.
type FrameSource interface {
	ReadFrame(id string, dst []byte) (int, error)
}

// Options configures a Session.
type Options struct {
	Open   Opener
	Sink   FrameSink
	Source FrameSource
	Bus    *events.Bus
	Logger *slog.Logger

	// RetryDelay is how long the capture loop backs off while the pool is
	// flushing.
	RetryDelay time.Duration
}

// Session streams one pool definition.
type Session struct {
	spec   config.PoolSpec
	opts   Options
	ownBus bool
	logger *slog.Logger

	mu       sync.Mutex
	pool     *bufferpool.Pool
	orphaned bool

	frames           atomic.Uint64
	bytes            atomic.Uint64
	dropped          atomic.Uint64
	reconfigurations atomic.Uint64
}

// New creates a session for spec.
func New(spec config.PoolSpec, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Open == nil {
		opts.Open = defaultOpener
	}
	ownBus := opts.Bus == nil
	if ownBus {
		opts.Bus = events.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	return &Session{
		spec:   spec,
		opts:   opts,
		ownBus: ownBus,
		logger: logger.With("session", spec.ID),
	}
}

// ID returns the pool definition ID.
func (s *Session) ID() string {
	return s.spec.ID
}

// Spec returns the pool definition.
func (s *Session) Spec() config.PoolSpec {
	return s.spec
}

// Run opens the device and streams until ctx is done, the stream ends or
// an error occurs. A resolution change rebuilds the pool with the new
// format and carries on.
func (s *Session) Run(ctx context.Context) error {
	if s.ownBus {
		defer func() { _ = s.opts.Bus.Close() }()
	}
	dir := direction(s.spec)
	if dir == bufferpool.Output && s.opts.Source == nil {
		return fmt.Errorf("output session %s has no frame source", s.spec.ID)
	}

	dev, err := s.opts.Open(s.spec)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.spec.Device, err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			s.logger.Warn("Failed to close device", "error", cerr)
		}
	}()

	for {
		pool, err := s.setup(dev, dir)
		if err != nil {
			return err
		}

		if dir == bufferpool.Capture {
			err = s.capture(ctx, pool)
		} else {
			err = s.output(ctx, pool)
		}
		s.teardown(pool)

		if s.isOrphaned() {
			return nil
		}
		if !errors.Is(err, bufferpool.ErrResolutionChanged) {
			return err
		}
		s.reconfigurations.Add(1)
		s.logger.Info("Resolution changed, reconfiguring pool")
	}
}

// setup reads the current format and starts a new pool on dev.
func (s *Session) setup(dev Device, dir bufferpool.Direction) (*bufferpool.Pool, error) {
	mode, err := bufferpool.ParseMemoryMode(s.spec.Memory)
	if err != nil {
		return nil, err
	}
	format, err := dev.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read format: %w", err)
	}

	pool := bufferpool.NewPool(dev, bufferpool.Options{
		Name:      s.spec.ID,
		Direction: dir,
		Bus:       s.opts.Bus,
		Logger:    s.logger,
	})
	cfg, _, err := pool.SetConfig(bufferpool.Config{
		Format:     format,
		Size:       format.TotalSize,
		MinBuffers: s.spec.MinBuffers,
		MaxBuffers: s.spec.MaxBuffers,
		Mode:       mode,
		VideoMeta:  s.spec.VideoMeta,
	})
	if err != nil {
		return nil, err
	}
	pool.CopyAtThreshold(s.spec.CopyThreshold)

	if dir == bufferpool.Capture && mode == bufferpool.ModeUserPtr {
		if err := pool.SetImportSource(newHeapSource(format)); err != nil {
			return nil, err
		}
	}

	if s.spec.ResolutionChange && dir == bufferpool.Capture {
		if err := pool.EnableResolutionChange(); err != nil {
			s.logger.Warn("Resolution change events unavailable", "error", err)
		}
	}
	if err := pool.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()
	s.logger.Info("Pool started",
		"device", s.spec.Device,
		"mode", cfg.Mode,
		"size", cfg.Size,
		"min", cfg.MinBuffers,
		"max", cfg.MaxBuffers)
	return pool, nil
}

func (s *Session) teardown(pool *bufferpool.Pool) {
	if pool.Orphaned() {
		return
	}
	if err := pool.Stop(); err != nil {
		s.logger.Warn("Failed to stop pool", "error", err)
	}
}

func (s *Session) capture(ctx context.Context, pool *bufferpool.Pool) error {
	for {
		buf, err := pool.Capture(ctx, nil)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, bufferpool.ErrNotNegotiated):
				return bufferpool.ErrResolutionChanged
			case errors.Is(err, bufferpool.ErrWouldBlock):
				if !s.wait(ctx) {
					return nil
				}
				continue
			case errors.Is(err, bufferpool.ErrCorruptedBuffer):
				s.dropped.Add(1)
				continue
			case errors.Is(err, bufferpool.ErrEndOfStream):
				s.logger.Info("End of stream")
				return nil
			case errors.Is(err, bufferpool.ErrFlushing), errors.Is(err, bufferpool.ErrInactive):
				if s.isOrphaned() {
					return nil
				}
				if !s.wait(ctx) {
					return nil
				}
				continue
			}
			return err
		}

		if buf.Flags&bufferpool.FlagCorrupted != 0 {
			s.dropped.Add(1)
			buf.Release()
			continue
		}

		size := buf.Size()
		if s.opts.Sink != nil {
			err = s.opts.Sink.WriteFrame(s.spec.ID, buf)
		}
		buf.Release()
		if err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		s.frames.Add(1)
		s.bytes.Add(uint64(size))
	}
}

func (s *Session) output(ctx context.Context, pool *bufferpool.Pool) error {
	cfg := pool.Config()
	var scratch []byte
	var frame uint32

	for ctx.Err() == nil {
		// Imported memory stays with the device until dequeued.
		if scratch == nil || cfg.Mode.Imports() {
			scratch = make([]byte, cfg.Size)
		}
		n, err := s.opts.Source.ReadFrame(s.spec.ID, scratch)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}

		out, err := pool.Process(ctx, bufferpool.NewBuffer(scratch[:n]), &frame)
		if out != nil {
			out.Release()
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, bufferpool.ErrFlushing), errors.Is(err, bufferpool.ErrInactive):
				if s.isOrphaned() {
					return nil
				}
				if !s.wait(ctx) {
					return nil
				}
				continue
			case errors.Is(err, bufferpool.ErrWouldBlock):
				if !s.wait(ctx) {
					return nil
				}
				continue
			}
			return err
		}
		frame++
		s.frames.Add(1)
		s.bytes.Add(uint64(n))
	}
	return nil
}

func (s *Session) wait(ctx context.Context) bool {
	t := time.NewTimer(s.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Pool returns the running pool, or nil.
func (s *Session) Pool() *bufferpool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Flush drops every queued frame and restarts streaming.
func (s *Session) Flush() error {
	pool := s.Pool()
	if pool == nil {
		return bufferpool.ErrInactive
	}
	pool.FlushStart()
	defer pool.FlushStop()
	return pool.Flush()
}

// Orphan lets go of the device while frames may still be held by the
// sink. The caller still has to cancel the Run context.
func (s *Session) Orphan() bool {
	s.mu.Lock()
	s.orphaned = true
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return false
	}
	return pool.Orphan()
}

func (s *Session) isOrphaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphaned
}

// Counters returns frames delivered, bytes delivered, frames dropped and
// pool rebuilds.
func (s *Session) Counters() (frames, bytes, dropped, reconfigurations uint64) {
	return s.frames.Load(), s.bytes.Load(), s.dropped.Load(), s.reconfigurations.Load()
}

// Orphaned reports whether Orphan was called.
func (s *Session) Orphaned() bool {
	return s.isOrphaned()
}
