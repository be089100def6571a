package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Entry is a retained log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Module  string         `json:"module,omitempty"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ring keeps the most recent entries.
type ring struct {
	mu    sync.Mutex
	limit int
	q     *queue.Queue
}

func newHistory(limit int) *ring {
	return &ring{limit: limit, q: queue.New()}
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q.Add(e)
	for r.q.Length() > r.limit {
		r.q.Remove()
	}
}

func (r *ring) resize(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
	for r.q.Length() > r.limit {
		r.q.Remove()
	}
}

func (r *ring) entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.q.Length())
	for i := range out {
		out[i] = r.q.Get(i).(Entry)
	}
	return out
}

func (r *ring) handler(level slog.Leveler) slog.Handler {
	return &historyHandler{ring: r, level: level}
}

type historyHandler struct {
	ring   *ring
	level  slog.Leveler
	module string
	attrs  map[string]any
	prefix string
}

func (h *historyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *historyHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   levelName(r.Level),
		Module:  h.module,
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			e.Attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(e.Attrs, h.prefix, a)
			return true
		})
	}
	h.ring.add(e)
	return nil
}

func (h *historyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		next.attrs[k] = v
	}
	for _, a := range attrs {
		if a.Key == "module" && h.prefix == "" {
			next.module = a.Value.String()
			continue
		}
		flatten(next.attrs, h.prefix, a)
	}
	return &next
}

func (h *historyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func flatten(attrs map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			flatten(attrs, prefix+a.Key+".", ga)
		}
	case slog.KindDuration:
		attrs[prefix+a.Key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			attrs[prefix+a.Key] = err.Error()
			return
		}
		attrs[prefix+a.Key] = a.Value.Any()
	default:
		attrs[prefix+a.Key] = a.Value.Any()
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	}
	return "debug"
}
