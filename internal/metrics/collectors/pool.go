// Package collectors samples runtime state into the metrics package.
package collectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/logging"
	"github.com/smazurov/v4l2pool/internal/metrics"
)

// StatsSource lists the pools to sample.
type StatsSource interface {
	PoolStats() []bufferpool.Stats
}

// PoolCollector periodically publishes pool statistics.
type PoolCollector struct {
	source   StatsSource
	interval time.Duration
	logger   *slog.Logger

	known  map[string]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoolCollector creates a collector sampling source every interval.
func NewPoolCollector(source StatsSource, interval time.Duration) *PoolCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PoolCollector{
		source:   source,
		interval: interval,
		logger:   logging.GetLogger("metrics"),
		known:    make(map[string]struct{}),
	}
}

// Start begins sampling.
func (c *PoolCollector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops sampling and waits for the loop to exit.
func (c *PoolCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *PoolCollector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("Starting pool metrics collection", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample. Pools that disappeared since the last sample
// have their series removed.
func (c *PoolCollector) Collect() {
	seen := make(map[string]struct{})
	for _, s := range c.source.PoolStats() {
		metrics.SetPoolStats(s)
		seen[s.Name] = struct{}{}
	}

	for name := range c.known {
		if _, ok := seen[name]; !ok {
			c.logger.Debug("Removing metrics of stopped pool", "pool", name)
			metrics.DeletePool(name)
		}
	}
	c.known = seen
}
