package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/v4l2pool/cmd"
	"github.com/smazurov/v4l2pool/internal/api"
	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/internal/events"
	"github.com/smazurov/v4l2pool/internal/logging"
	"github.com/smazurov/v4l2pool/internal/metrics/collectors"
	"github.com/smazurov/v4l2pool/internal/metrics/exporters"
	"github.com/smazurov/v4l2pool/internal/session"
	"github.com/smazurov/v4l2pool/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Pools settings
	PoolsFile         string `help:"Pool definitions file" default:"pools.toml" toml:"pools.config_file" env:"POOLS_CONFIG_FILE"`
	PoolsWatch        bool   `help:"Reload pool definitions when the file changes" default:"true" toml:"pools.watch" env:"POOLS_WATCH"`
	PoolsStopTimeout  string `help:"How long to wait for a session to stop" default:"10s" toml:"pools.stop_timeout" env:"POOLS_STOP_TIMEOUT"`
	PoolsOutputFrames int    `help:"Test pattern frames fed to output pools, 0 for no limit" default:"0" toml:"pools.output_frames" env:"POOLS_OUTPUT_FRAMES"`

	// Hotplug settings
	HotplugEnabled bool `help:"Orphan pools whose device is unplugged" default:"true" toml:"hotplug.enabled" env:"HOTPLUG_ENABLED"`

	// Metrics settings
	MetricsInterval    string `help:"Pool sampling interval" default:"5s" toml:"metrics.interval" env:"METRICS_INTERVAL"`
	MetricsPrometheus  bool   `help:"Serve Prometheus metrics at /metrics" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSEEnabled  bool   `help:"Stream pool metrics at /api/metrics" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`
	MetricsSSEInterval string `help:"Metrics stream interval" default:"1s" toml:"metrics.sse_interval" env:"METRICS_SSE_INTERVAL"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingHistory int    `help:"Log records kept for /api/logs" default:"1000" toml:"logging.history" env:"LOGGING_HISTORY"`
}

// poolsState holds the pool definitions the manager starts sessions from.
type poolsState struct {
	mu    sync.RWMutex
	pools config.PoolsFile
}

func (p *poolsState) get() config.PoolsFile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pools
}

// swap stores next and returns what changed.
func (p *poolsState) swap(next config.PoolsFile) config.PoolsDiff {
	p.mu.Lock()
	defer p.mu.Unlock()
	diff := config.Diff(p.pools, next)
	p.pools = next
	return diff
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		modules, modErr := config.LoadLoggingModules(opts.Config)
		if modErr != nil {
			slog.Warn("Failed to load logging modules", "error", modErr)
		}
		logging.Initialize(logging.Config{
			Level:   opts.LoggingLevel,
			Format:  opts.LoggingFormat,
			Modules: modules,
			History: opts.LoggingHistory,
		})

		logger := logging.GetLogger("main")
		logger.Info("Starting", "version", version.Get().String())

		eventBus := events.New()

		// A broken pools file starts the daemon with no pools; the watcher
		// picks up the fixed file.
		initial, poolsErr := config.LoadPools(opts.PoolsFile)
		if poolsErr != nil {
			logger.Error("Failed to load pool definitions", "file", opts.PoolsFile, "error", poolsErr)
			initial = config.PoolsFile{Pools: map[string]config.PoolSpec{}}
		}
		pools := &poolsState{pools: initial}

		manager := session.NewManager(&session.ManagerOptions{
			Pools:       pools.get,
			Source:      session.NewPatternSource(opts.PoolsOutputFrames),
			Bus:         eventBus,
			StopTimeout: parseDuration(opts.PoolsStopTimeout, 10*time.Second),
			Logger:      logging.GetLogger("session"),
			OnStateChange: func(id string, oldState, newState session.State, err error) {
				if newState == session.StateError {
					logger.Warn("Pool session failed", "pool", id, "from", oldState, "error", err)
				}
			},
		})

		var watcher *config.Watcher[config.PoolsFile]
		if opts.PoolsWatch {
			watcher = config.NewWatcher(
				opts.PoolsFile,
				config.LoadPools,
				logging.GetLogger("config"),
				config.WithDebounce[config.PoolsFile](time.Second),
			)
			watcher.OnReload(func(next config.PoolsFile) {
				diff := pools.swap(next)
				if diff.Empty() {
					logger.Debug("Pool definitions reloaded, nothing changed")
					return
				}
				logger.Info("Pool definitions changed",
					"added", diff.Added,
					"changed", diff.Changed,
					"removed", diff.Removed)
				if applyErr := manager.Apply(diff); applyErr != nil {
					logger.Warn("Failed to apply pool definitions", "error", applyErr)
				}
			})
		}

		metricsInterval := parseDuration(opts.MetricsInterval, 5*time.Second)
		poolCollector := collectors.NewPoolCollector(manager, metricsInterval)

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSEEnabled {
			sseExporter = exporters.NewSSEExporter(eventBus, parseDuration(opts.MetricsSSEInterval, time.Second))
		}

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Sessions:     manager,
			Devices:      api.V4L2Devices,
			EventBus:     eventBus,
		}
		if opts.MetricsPrometheus {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())
		var unwatchDevices func()

		hooks.OnStart(func() {
			if opts.HotplugEnabled {
				unwatchDevices = manager.WatchDevices()
				if hpErr := startHotplug(ctx, eventBus, logging.GetLogger("hotplug")); hpErr != nil {
					logger.Warn("Hotplug monitoring unavailable", "error", hpErr)
				}
			}

			if startErr := manager.StartAll(); startErr != nil {
				logger.Warn("Some pools failed to start", "error", startErr)
			}

			if watcher != nil {
				if watchErr := watcher.Start(ctx); watchErr != nil {
					logger.Warn("Failed to watch pool definitions", "error", watchErr)
					watcher = nil
				}
			}

			poolCollector.Start(ctx)
			if sseExporter != nil {
				sseExporter.Start(ctx)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if stopErr := server.Stop(shutdownCtx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			if watcher != nil {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping config watcher", "error", stopErr)
				}
			}
			if unwatchDevices != nil {
				unwatchDevices()
			}

			// Sessions stop before the collectors so the last samples are final.
			manager.StopAll()

			if sseExporter != nil {
				sseExporter.Stop()
			}
			poolCollector.Stop()
			cancel()
		})
	})

	cli.Root().Use = "v4l2pool"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateCaptureCmd())
	cli.Root().AddCommand(cmd.CreateDevicesCmd())

	cli.Run()
}
