// Package logging provides slog loggers with per-module levels.
//
// Records go to stdout (text or JSON), to the systemd journal when one is
// running, and to a bounded in-memory history served by the API.
//
// Initialize once at startup, then fetch loggers by module:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"bufferpool": "debug",
//		},
//	})
//
//	logger := logging.GetLogger("session").With("pool", id)
//	logger.Info("Pool started", "buffers", n)
//
// Loggers obtained before Initialize keep working; their level follows the
// configuration once it is applied. Levels can be changed at runtime with
// SetModuleLevel.
//
// Journal entries are tagged with SYSLOG_IDENTIFIER=v4l2pool:
//
//	journalctl -t v4l2pool MODULE=bufferpool POOL=cam0
package logging
