//go:build linux

// Package hotplug watches kernel uevents for video device nodes appearing
// and disappearing.
//
// It listens on a NETLINK_KOBJECT_UEVENT socket, so no udev daemon or cgo
// is needed.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sync"

	"golang.org/x/sys/unix"
)

// Actions reported for device nodes.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

// SubsystemVideo4Linux is the subsystem of /dev/video* nodes.
const SubsystemVideo4Linux = "video4linux"

// Event is a kernel uevent.
type Event struct {
	Action    string
	KObj      string // /devices/pci0000:00/...
	Subsystem string
	DevName   string // video0
	Env       map[string]string
}

// DevNode returns the /dev path of the event's device, or "" when the
// event carries no DEVNAME.
func (e Event) DevNode() string {
	if e.DevName == "" {
		return ""
	}
	return path.Join("/dev", e.DevName)
}

// Monitor receives kernel uevents.
type Monitor struct {
	fd int

	mu         sync.RWMutex
	subsystems map[string]struct{}
}

// netlinkKobjectUEvent is the netlink protocol for kernel object events.
const netlinkKobjectUEvent = 15

// NewMonitor opens a uevent socket. Events are limited to the given
// subsystems; with none, every event passes.
func NewMonitor(subsystems ...string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	m := &Monitor{fd: fd, subsystems: make(map[string]struct{})}
	for _, s := range subsystems {
		m.subsystems[s] = struct{}{}
	}
	return m, nil
}

// AddSubsystem widens the set of subsystems passed by Run.
func (m *Monitor) AddSubsystem(subsystem string) {
	m.mu.Lock()
	m.subsystems[subsystem] = struct{}{}
	m.mu.Unlock()
}

func (m *Monitor) accepts(subsystem string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.subsystems) == 0 {
		return true
	}
	_, ok := m.subsystems[subsystem]
	return ok
}

// Close releases the socket.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run delivers events until ctx is done. The events channel is closed
// when Run returns.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	defer close(events)

	buf := make([]byte, 8192)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Bounded wait so cancellation is noticed.
		n, err := unix.Poll(fds, 500)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		n, _, err = unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			// Overflowed receive buffer; events were lost but the socket is fine.
			if errors.Is(err, unix.ENOBUFS) {
				continue
			}
			return err
		}

		ev, ok := ParseUEvent(buf[:n])
		if !ok || !m.accepts(ev.Subsystem) {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseUEvent parses a kernel uevent of the form
// "ACTION@KOBJ\0KEY=VALUE\0...". Messages re-broadcast by udev carry a
// binary header and are rejected.
func ParseUEvent(data []byte) (Event, bool) {
	header, rest, _ := bytes.Cut(data, []byte{0})
	action, kobj, found := bytes.Cut(header, []byte{'@'})
	if !found || len(action) == 0 {
		return Event{}, false
	}

	ev := Event{
		Action: string(action),
		KObj:   string(kobj),
		Env:    make(map[string]string),
	}

	for len(rest) > 0 {
		var field []byte
		field, rest, _ = bytes.Cut(rest, []byte{0})
		key, value, ok := bytes.Cut(field, []byte{'='})
		if !ok || len(key) == 0 {
			continue
		}
		k, v := string(key), string(value)
		ev.Env[k] = v

		switch k {
		case "SUBSYSTEM":
			ev.Subsystem = v
		case "DEVNAME":
			ev.DevName = v
		}
	}

	return ev, true
}
