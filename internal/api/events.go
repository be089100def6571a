package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/v4l2pool/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time pool, session and device events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"pool-state-changed":    events.PoolStateChangedEvent{},
		"resolution-changed":    events.ResolutionChangedEvent{},
		"pool-orphaned":         events.PoolOrphanedEvent{},
		"session-state-changed": events.SessionStateChangedEvent{},
		"device-added":          events.DeviceAddedEvent{},
		"device-removed":        events.DeviceRemovedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.PoolStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ResolutionChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.PoolOrphanedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SessionStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceAddedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceRemovedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Tell the client the stream is live before the first real event.
		if err := send.Data(events.SessionStateChangedEvent{
			Session:   "system",
			NewState:  "connected",
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
