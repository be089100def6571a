// Package bufferpool manages the buffers shared between a process and a
// kernel video device queue.
//
// The package offers two levels of abstraction:
//
// Allocator owns the kernel slots:
//   - Requests slots in one memory mode (mmap, dmabuf export, userptr,
//     dmabuf import) and grows the queue when the device allows it
//   - Imports application memory or dmabuf handles into slots
//   - Defers teardown while slots are still held
//   - Orphans slots so the device can go away under live buffers
//
// Pool hands buffers to the application:
//   - Per-slot state (free, queued, outstanding) kept in atomics
//   - Capture pools keep the device queue full and fall back to copies
//     when it runs low
//   - Output pools queue filled buffers and drain completed ones
//   - Flow outcomes (would block, end of stream, resolution change,
//     flushing, corrupted buffer) are distinct from hard errors
//
// The device itself is injected through the Device interface so the pool
// runs against real hardware or a scripted fake.
//
// Example capture loop:
//
//	pool := bufferpool.NewPool(dev, bufferpool.Options{Name: "cam0"})
//	if _, _, err := pool.SetConfig(bufferpool.Config{Format: format, MinBuffers: 4, MaxBuffers: 4}); err != nil {
//	    return err
//	}
//	if err := pool.Start(); err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	for {
//	    buf, err := pool.Capture(ctx, nil)
//	    if errors.Is(err, bufferpool.ErrCorruptedBuffer) {
//	        continue
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    consume(buf)
//	    buf.Release()
//	}
package bufferpool
