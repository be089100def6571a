//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2)
// streaming I/O API.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Enumeration
//
// Use FindDevices to discover streaming capable video devices:
//
//	devices, err := v4l2.FindDevices()
//	for _, dev := range devices {
//	    fmt.Printf("%s: %s\n", dev.DevicePath, dev.DeviceName)
//	}
//
// # Streaming
//
// Open a stream on one queue of a device, request buffers, map them and
// exchange them with the driver:
//
//	s, err := v4l2.Open("/dev/video0", v4l2.BufTypeVideoCapture)
//	defer s.Close()
//	n, _ := s.RequestBuffers(4, v4l2.MemoryMMAP)
//	for i := 0; i < n; i++ {
//	    info, _ := s.QueryBuffer(uint32(i), v4l2.MemoryMMAP)
//	    data, _ := s.Mmap(info.Offset, info.Length)
//	    _ = s.Queue(&v4l2.QueueBuffer{Index: uint32(i), Memory: v4l2.MemoryMMAP})
//	}
//	_ = s.StreamOn()
//
// Dequeue is non-blocking; wait with Poll first.
//
// # Source Change Events
//
// Subscribe to V4L2_EVENT_SOURCE_CHANGE and drain events when Poll
// reports priority data:
//
//	_ = s.SubscribeEvent(v4l2.EventSourceChange)
//	ev, err := s.DequeueEvent()
package v4l2
