package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/internal/events"
)

// ErrUnknownSession is returned for IDs missing from the pool definitions.
var ErrUnknownSession = errors.New("unknown session")

// managedSession tracks a running session within the manager.
type managedSession struct {
	sess      *Session
	id        string
	devNode   string
	state     State
	startedAt time.Time
	lastError error
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager manages named sessions with lifecycle control.
type Manager struct {
	opts     ManagerOptions
	ownBus   bool
	sessions map[string]*managedSession
	restarts map[string]int
	mu       sync.RWMutex
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(opts *ManagerOptions) *Manager {
	if opts == nil || opts.Pools == nil {
		panic("ManagerOptions with Pools is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := *opts
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Open == nil {
		o.Open = defaultOpener
	}
	if o.Sink == nil {
		o.Sink = DiscardSink{}
	}
	ownBus := o.Bus == nil
	if ownBus {
		o.Bus = events.New()
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}

	return &Manager{
		opts:     o,
		ownBus:   ownBus,
		sessions: make(map[string]*managedSession),
		restarts: make(map[string]int),
		logger:   o.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts a session by ID.
func (m *Manager) Start(id string) error {
	spec, ok := m.opts.Pools().Pools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if spec.Disabled {
		return fmt.Errorf("session %s is disabled", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, exists := m.sessions[id]; exists {
		if ms.state == StateRunning || ms.state == StateStarting || ms.state == StateStopping {
			return fmt.Errorf("session %s already running", id)
		}
	}
	if m.ctx.Err() != nil {
		return errors.New("manager is stopped")
	}

	ctx, cancel := context.WithCancel(m.ctx)
	ms := &managedSession{
		sess: New(spec, Options{
			Open:   m.opts.Open,
			Sink:   m.opts.Sink,
			Source: m.opts.Source,
			Bus:    m.opts.Bus,
			Logger: m.logger,
		}),
		id:        id,
		devNode:   resolveDevice(spec.Device),
		state:     StateStarting,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[id] = ms

	m.notifyStateChange(id, StateIdle, StateStarting, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ms.done)
		m.runSession(ctx, ms)
	}()

	return nil
}

// runSession runs the session and handles state transitions.
func (m *Manager) runSession(ctx context.Context, ms *managedSession) {
	m.mu.Lock()
	oldState := ms.state
	ms.state = StateRunning
	m.mu.Unlock()
	m.notifyStateChange(ms.id, oldState, StateRunning, nil)

	err := ms.sess.Run(ctx)

	m.mu.Lock()
	oldState = ms.state
	switch {
	case ms.sess.Orphaned():
		ms.state = StateOrphaned
	case ctx.Err() != nil:
		ms.state = StateIdle
	case err != nil:
		ms.state = StateError
		ms.lastError = err
		m.logger.Error("Session failed", "id", ms.id, "error", err)
	default:
		ms.state = StateIdle
	}
	newState := ms.state
	lastErr := ms.lastError
	m.mu.Unlock()

	m.notifyStateChange(ms.id, oldState, newState, lastErr)
	m.logger.Info("Session stopped", "id", ms.id, "state", newState)
}

// Stop stops a session by ID and forgets it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	ms, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return nil
	}

	if ms.state != StateRunning && ms.state != StateStarting {
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil
	}

	oldState := ms.state
	ms.state = StateStopping
	m.mu.Unlock()

	m.notifyStateChange(id, oldState, StateStopping, nil)
	m.logger.Info("Stopping session", "id", id)

	ms.cancel()
	if !m.wait(ms) {
		return fmt.Errorf("session %s did not stop within %s", id, m.opts.StopTimeout)
	}

	m.mu.Lock()
	if m.sessions[id] == ms {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	return nil
}

func (m *Manager) wait(ms *managedSession) bool {
	select {
	case <-ms.done:
		return true
	case <-time.After(m.opts.StopTimeout):
		m.logger.Warn("Timeout waiting for session to stop", "id", ms.id)
		return false
	}
}

// Restart stops and restarts a session, picking up its current
// definition.
func (m *Manager) Restart(id string) error {
	m.logger.Info("Restarting session", "id", id)
	if err := m.Stop(id); err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	if err := m.Start(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.restarts[id]++
	m.mu.Unlock()
	return nil
}

// GetStatus returns session info. Returns idle state if not found.
func (m *Manager) GetStatus(id string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, exists := m.sessions[id]
	if !exists {
		info := &Info{ID: id, State: StateIdle, RestartCount: m.restarts[id]}
		if spec, ok := m.opts.Pools().Pools[id]; ok {
			info.Device = spec.Device
			info.Direction = spec.Direction
			info.Memory = spec.Memory
		}
		return info
	}
	return m.infoLocked(ms)
}

func (m *Manager) infoLocked(ms *managedSession) *Info {
	spec := ms.sess.Spec()
	info := &Info{
		ID:           ms.id,
		Device:       spec.Device,
		Direction:    spec.Direction,
		Memory:       spec.Memory,
		State:        ms.state,
		StartedAt:    ms.startedAt,
		RestartCount: m.restarts[ms.id],
		LastError:    ms.lastError,
	}
	info.Frames, info.Bytes, info.Dropped, info.Reconfigurations = ms.sess.Counters()
	if pool := ms.sess.Pool(); pool != nil {
		st := pool.Stats()
		info.Pool = &st
	}
	return info
}

// List returns the status of every defined or running session, sorted by
// ID.
func (m *Manager) List() []*Info {
	ids := m.opts.Pools().IDs()
	m.mu.RLock()
	for id := range m.sessions {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(ids)

	out := make([]*Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.GetStatus(id))
	}
	return out
}

// Exists reports whether id is defined or has a session.
func (m *Manager) Exists(id string) bool {
	if _, ok := m.opts.Pools().Pools[id]; ok {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// IsRunning checks if a session is currently running.
func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, exists := m.sessions[id]
	return exists && ms.state == StateRunning
}

// Flush flushes the pool of a running session.
func (m *Manager) Flush(id string) error {
	m.mu.RLock()
	ms, exists := m.sessions[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return ms.sess.Flush()
}

// Orphan releases every session streaming on devicePath and returns their
// IDs. Frames held by sinks stay valid.
func (m *Manager) Orphan(devicePath string) []string {
	node := resolveDevice(devicePath)

	m.mu.RLock()
	var hit []*managedSession
	for _, ms := range m.sessions {
		if ms.state != StateRunning && ms.state != StateStarting {
			continue
		}
		if ms.devNode == node || ms.sess.Spec().Device == devicePath {
			hit = append(hit, ms)
		}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(hit))
	for _, ms := range hit {
		if !ms.sess.Orphan() {
			m.logger.Warn("Device cannot orphan buffers, stopping session", "id", ms.id)
		}
		ms.cancel()
		m.wait(ms)
		ids = append(ids, ms.id)
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		m.logger.Info("Orphaned sessions", "device", devicePath, "sessions", ids)
	}
	return ids
}

// WatchDevices orphans sessions when their device is removed. It returns
// an unsubscribe function.
func (m *Manager) WatchDevices() func() {
	return m.opts.Bus.Subscribe(func(e events.DeviceRemovedEvent) {
		go m.Orphan(e.DevicePath)
	})
}

// StartAll starts every enabled session that is not running.
func (m *Manager) StartAll() error {
	var errs []error
	for id, spec := range m.opts.Pools().Pools {
		if spec.Disabled || m.IsRunning(id) {
			continue
		}
		if err := m.Start(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply brings running sessions in line with a pool definitions reload.
// The provider must already return the new definitions.
func (m *Manager) Apply(diff config.PoolsDiff) error {
	var errs []error
	for _, id := range diff.Removed {
		if err := m.Stop(id); err != nil {
			errs = append(errs, err)
		}
		m.mu.Lock()
		delete(m.restarts, id)
		m.mu.Unlock()
	}

	pools := m.opts.Pools().Pools
	for _, id := range diff.Changed {
		if pools[id].Disabled {
			if err := m.Stop(id); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.Restart(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range diff.Added {
		if pools[id].Disabled {
			continue
		}
		if err := m.Start(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PoolStats returns the statistics of every session with a pool.
func (m *Manager) PoolStats() []bufferpool.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]bufferpool.Stats, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if pool := ms.sess.Pool(); pool != nil {
			out = append(out, pool.Stats())
		}
	}
	slices.SortFunc(out, func(a, b bufferpool.Stats) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// StopAll stops all running sessions.
func (m *Manager) StopAll() {
	m.logger.Info("Stopping all sessions")
	m.cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(id)
	}

	m.wg.Wait()
	if m.ownBus {
		_ = m.opts.Bus.Close()
	}
	m.logger.Info("All sessions stopped")
}

// notifyStateChange publishes the transition and invokes OnStateChange.
func (m *Manager) notifyStateChange(id string, oldState, newState State, err error) {
	ev := events.SessionStateChangedEvent{
		Session:   id,
		OldState:  string(oldState),
		NewState:  string(newState),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.opts.Bus.Publish(ev)

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(id, oldState, newState, err)
	}
}

// resolveDevice follows udev symlinks such as /dev/v4l/by-id/... to the
// device node. Bare names are looked up in /dev/v4l/by-id.
func resolveDevice(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join("/dev/v4l/by-id", path)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
