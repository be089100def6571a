package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// reset clears global state and captures stdout output in a buffer.
func reset(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	mu.Lock()
	cfg = Config{}
	initialized = false
	levels = make(map[string]*slog.LevelVar)
	loggers = make(map[string]*slog.Logger)
	history = newHistory(defaultHistory)
	out = &buf
	mu.Unlock()

	prevJournal := journalEnabled
	prevDefault := slog.Default()
	journalEnabled = func() bool { return false }
	t.Cleanup(func() {
		journalEnabled = prevJournal
		slog.SetDefault(prevDefault)
	})
	return &buf
}

func TestModuleLevelOverride(t *testing.T) {
	reset(t)
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"bufferpool": "debug",
			"api":        "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"bufferpool", true, true, true},
		{"api", false, false, true},
		{"session", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			h := GetLogger(tt.module).Handler()
			ctx := context.Background()
			if got := h.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := h.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := h.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	reset(t)

	before := GetLogger("bufferpool")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"bufferpool": "debug"}})

	after := GetLogger("bufferpool")
	if !after.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger should follow the module level after Initialize")
	}
	// The level var is shared, so the early logger follows too.
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("early logger should see the updated level")
	}
}

func TestSetModuleLevel(t *testing.T) {
	reset(t)
	Initialize(Config{Level: "info"})

	logger := GetLogger("session")
	if err := SetModuleLevel("session", "debug"); err != nil {
		t.Fatalf("SetModuleLevel() error: %v", err)
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetModuleLevel")
	}
	if GetLogger("api").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("other modules must keep their level")
	}

	if err := SetModuleLevel("session", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"text", `msg="Pool started" module=session pool=cam0`},
		{"json", `"msg":"Pool started","module":"session","pool":"cam0"`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			buf := reset(t)
			Initialize(Config{Level: "info", Format: tt.format})
			GetLogger("session").Info("Pool started", "pool", "cam0")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestRecent(t *testing.T) {
	reset(t)
	Initialize(Config{Level: "debug", History: 3})

	logger := GetLogger("bufferpool").With("pool", "cam0")
	for i := range 5 {
		logger.Debug("Buffer dequeued", "index", i, "error", errors.New("boom"), "wait", time.Millisecond)
	}

	entries := Recent()
	if len(entries) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(entries))
	}
	first := entries[0]
	if first.Module != "bufferpool" || first.Level != "debug" || first.Message != "Buffer dequeued" {
		t.Errorf("unexpected entry %+v", first)
	}
	if first.Attrs["index"] != int64(2) {
		t.Errorf("oldest retained index = %v, want 2", first.Attrs["index"])
	}
	if first.Attrs["pool"] != "cam0" || first.Attrs["error"] != "boom" || first.Attrs["wait"] != "1ms" {
		t.Errorf("attrs not flattened: %v", first.Attrs)
	}
}

func TestRecentGroups(t *testing.T) {
	reset(t)
	Initialize(Config{Level: "info"})

	GetLogger("api").WithGroup("req").Info("Request", "path", "/api/pools", slog.Group("pool", "id", "cam0"))

	entries := Recent()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	attrs := entries[0].Attrs
	if attrs["req.path"] != "/api/pools" || attrs["req.pool.id"] != "cam0" {
		t.Errorf("group keys not flattened: %v", attrs)
	}
}

func TestMultiHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	debug := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	info := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debug, info)).With("module", "test")
	logger.Debug("debug only")
	logger.Info("both")

	output := buf.String()
	if n := strings.Count(output, "debug only"); n != 1 {
		t.Errorf("debug record written %d times, want 1", n)
	}
	if n := strings.Count(output, "both"); n != 2 {
		t.Errorf("info record written %d times, want 2", n)
	}
}

func TestJournalFields(t *testing.T) {
	fields := map[string]string{}
	journalFields(fields, "", slog.Int("index", 3))
	journalFields(fields, "req_", slog.String("path", "/x"))
	journalFields(fields, "", slog.Group("pool", slog.String("id", "cam0")))

	want := map[string]string{"INDEX": "3", "REQ_PATH": "/x", "POOL_ID": "cam0"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"invalid", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseLevel(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}
