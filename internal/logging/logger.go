package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const defaultHistory = 1000

// Config is the [logging] section of the daemon configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// History is the number of recent records kept for the API.
	History int `toml:"history"`
}

var (
	mu          sync.RWMutex
	cfg         Config
	initialized bool
	out         io.Writer = os.Stdout
	rootLevel             = &slog.LevelVar{}
	levels                = make(map[string]*slog.LevelVar)
	loggers               = make(map[string]*slog.Logger)
	history               = newHistory(defaultHistory)
)

// Initialize applies config to the default logger and to every module
// logger, including ones created earlier.
func Initialize(config Config) {
	mu.Lock()
	defer mu.Unlock()

	cfg = config
	initialized = true
	if config.History > 0 {
		history.resize(config.History)
	}

	rootLevel.Set(levelOr(config.Level, slog.LevelInfo))
	for module, lv := range levels {
		lv.Set(moduleLevel(module))
		loggers[module] = slog.New(newHandler(config.Format, lv)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(config.Format, rootLevel)))
}

// GetLogger returns the logger for module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.RLock()
	logger, ok := loggers[module]
	mu.RUnlock()
	if ok {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if logger, ok := loggers[module]; ok {
		return logger
	}

	lv := &slog.LevelVar{}
	lv.Set(moduleLevel(module))
	format := "text"
	if initialized {
		format = cfg.Format
	}

	logger = slog.New(newHandler(format, lv)).With("module", module)
	levels[module] = lv
	loggers[module] = logger
	return logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) error {
	l, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}

	GetLogger(module)
	mu.Lock()
	levels[module].Set(l)
	mu.Unlock()
	return nil
}

// Recent returns the retained log history, oldest first.
func Recent() []Entry {
	return history.entries()
}

// moduleLevel resolves the configured level of module. Callers hold mu.
func moduleLevel(module string) slog.Level {
	if !initialized {
		return slog.LevelInfo
	}
	if s, ok := cfg.Modules[module]; ok {
		if l, ok := parseLevel(s); ok {
			return l
		}
	}
	return levelOr(cfg.Level, slog.LevelInfo)
}

// newHandler builds the handler chain: stdout when attached, the journal
// when running under systemd, and the in-memory history.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{history.handler(level)}
	if stdoutAttached() {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}
	if journalEnabled() {
		handlers = append(handlers, newJournalHandler(level))
	}

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// stdoutAttached is false when stdout is /dev/null or closed.
func stdoutAttached() bool {
	if out != os.Stdout {
		return true
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular()
}

func levelOr(s string, def slog.Level) slog.Level {
	if l, ok := parseLevel(s); ok {
		return l
	}
	return def
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
