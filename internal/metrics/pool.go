// Package metrics exposes buffer pool statistics as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
)

const (
	namespace = "v4l2pool"
	subsystem = "pool"
)

func poolGauge(name, help string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{"pool"})
}

var (
	poolBuffers     = poolGauge("buffers", "Buffers allocated by the pool")
	poolFree        = poolGauge("free_buffers", "Buffers waiting in the free list")
	poolQueued      = poolGauge("queued_buffers", "Buffers owned by the device")
	poolOutstanding = poolGauge("outstanding_buffers", "Buffers held by the application")
	poolState       = poolGauge("state", "Pool lifecycle state (0 inactive, 1 starting, 2 streaming, 3 flushing, 4 stopped)")

	// Cumulative pool counters are mirrored as gauges; the pool owns the
	// running totals and they restart with the pool.
	poolCopies        = poolGauge("copies_total", "Frames copied out instead of handed over")
	poolResurrections = poolGauge("resurrections_total", "Buffers re-queued after the device ran dry")
	poolDequeueErrors = poolGauge("dequeue_errors_total", "Failed dequeues")
	poolQueueErrors   = poolGauge("queue_errors_total", "Failed queues")
	poolTruncated     = poolGauge("truncated_buffers_total", "Raw frames smaller than the format size")

	cache   = make(map[string]bufferpool.Stats)
	cacheMu sync.RWMutex
)

// SetPoolStats publishes a stats snapshot.
func SetPoolStats(s bufferpool.Stats) {
	poolBuffers.WithLabelValues(s.Name).Set(float64(s.Buffers))
	poolFree.WithLabelValues(s.Name).Set(float64(s.Free))
	poolQueued.WithLabelValues(s.Name).Set(float64(s.Queued))
	poolOutstanding.WithLabelValues(s.Name).Set(float64(s.Outstanding))
	poolState.WithLabelValues(s.Name).Set(float64(s.State))
	poolCopies.WithLabelValues(s.Name).Set(float64(s.Copies))
	poolResurrections.WithLabelValues(s.Name).Set(float64(s.Resurrections))
	poolDequeueErrors.WithLabelValues(s.Name).Set(float64(s.DequeueErrors))
	poolQueueErrors.WithLabelValues(s.Name).Set(float64(s.QueueErrors))
	poolTruncated.WithLabelValues(s.Name).Set(float64(s.Truncated))

	cacheMu.Lock()
	cache[s.Name] = s
	cacheMu.Unlock()
}

// DeletePool removes every series of a pool.
func DeletePool(name string) {
	for _, g := range []*prometheus.GaugeVec{
		poolBuffers, poolFree, poolQueued, poolOutstanding, poolState,
		poolCopies, poolResurrections, poolDequeueErrors, poolQueueErrors, poolTruncated,
	} {
		g.DeleteLabelValues(name)
	}

	cacheMu.Lock()
	delete(cache, name)
	cacheMu.Unlock()
}

// PoolStats returns the last published snapshot of a pool.
func PoolStats(name string) (bufferpool.Stats, bool) {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	s, ok := cache[name]
	return s, ok
}

// AllPoolStats returns the last snapshot of every published pool.
func AllPoolStats() map[string]bufferpool.Stats {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	out := make(map[string]bufferpool.Stats, len(cache))
	for name, s := range cache {
		out[name] = s
	}
	return out
}
