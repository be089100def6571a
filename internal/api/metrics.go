package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/v4l2pool/internal/events"
)

// MetricsStreamInput selects the pools of the metrics stream.
type MetricsStreamInput struct {
	Pool string `query:"pool" doc:"Only stream samples of this pool"`
}

// registerMetricsRoutes registers the pool metrics SSE endpoint.
func (s *Server) registerMetricsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Pool Metrics Stream",
		Description: "Periodic buffer pool statistics, one event per pool and interval",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"pool-metrics": events.PoolMetricsEvent{},
	}, func(ctx context.Context, input *MetricsStreamInput, send sse.Sender) {
		samples := make(chan any, 16)
		unsubscribe := events.SubscribeToChannel[events.PoolMetricsEvent](s.eventBus, samples)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case sample := <-samples:
				if m, ok := sample.(events.PoolMetricsEvent); ok && input.Pool != "" && m.Pool != input.Pool {
					continue
				}
				if err := send.Data(sample); err != nil {
					return
				}
			}
		}
	})
}
