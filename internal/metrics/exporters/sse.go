package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/v4l2pool/internal/events"
	"github.com/smazurov/v4l2pool/internal/metrics"
)

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter republishes the latest pool snapshots on the event bus,
// where the API event stream picks them up.
type SSEExporter struct {
	bus      EventPublisher
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates an exporter publishing every interval.
func NewSSEExporter(bus EventPublisher, interval time.Duration) *SSEExporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &SSEExporter{bus: bus, interval: interval}
}

// Start begins publishing.
func (s *SSEExporter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops publishing and waits for the loop to exit.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *SSEExporter) publish() {
	for name, st := range metrics.AllPoolStats() {
		s.bus.Publish(events.PoolMetricsEvent{
			Pool:        name,
			State:       st.State.String(),
			Buffers:     st.Buffers,
			Queued:      st.Queued,
			Outstanding: st.Outstanding,
			Copies:      st.Copies,
		})
	}
}
