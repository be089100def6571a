package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/session"
)

// registerPoolRoutes registers all pool-related endpoints
func (s *Server) registerPoolRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-pools",
		Method:      http.MethodGet,
		Path:        "/api/pools",
		Summary:     "List Pools",
		Description: "Get every defined pool with its session state and buffer statistics",
		Tags:        []string{"pools"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.PoolListResponse, error) {
		infos := s.sessions.List()
		pools := make([]models.PoolData, len(infos))
		for i, info := range infos {
			pools[i] = s.poolData(info)
		}
		return &models.PoolListResponse{
			Body: models.PoolListData{Pools: pools, Count: len(pools)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/api/pools/{pool_id}",
		Summary:     "Get Pool",
		Description: "Get session state and buffer statistics of one pool",
		Tags:        []string{"pools"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.PoolIDInput) (*models.PoolResponse, error) {
		if !s.sessions.Exists(input.PoolID) {
			return nil, huma.Error404NotFound("pool not found: " + input.PoolID)
		}
		return &models.PoolResponse{Body: s.poolData(s.sessions.GetStatus(input.PoolID))}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "flush-pool",
		Method:      http.MethodPost,
		Path:        "/api/pools/{pool_id}/flush",
		Summary:     "Flush Pool",
		Description: "Drop every frame queued on the device and resume streaming",
		Tags:        []string{"pools"},
		Errors:      []int{401, 404, 409, 500},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.PoolIDInput) (*models.PoolResponse, error) {
		if !s.sessions.Exists(input.PoolID) {
			return nil, huma.Error404NotFound("pool not found: " + input.PoolID)
		}
		if err := s.sessions.Flush(input.PoolID); err != nil {
			return nil, s.mapPoolError(err)
		}
		return &models.PoolResponse{Body: s.poolData(s.sessions.GetStatus(input.PoolID))}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-pool",
		Method:      http.MethodPost,
		Path:        "/api/pools/{pool_id}/restart",
		Summary:     "Restart Pool",
		Description: "Stop the session, re-read the device format and start a new pool",
		Tags:        []string{"pools"},
		Errors:      []int{401, 404, 409, 500},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.PoolIDInput) (*models.PoolResponse, error) {
		if !s.sessions.Exists(input.PoolID) {
			return nil, huma.Error404NotFound("pool not found: " + input.PoolID)
		}
		if err := s.sessions.Restart(input.PoolID); err != nil {
			return nil, s.mapPoolError(err)
		}
		return &models.PoolResponse{Body: s.poolData(s.sessions.GetStatus(input.PoolID))}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-pool",
		Method:      http.MethodPost,
		Path:        "/api/pools/{pool_id}/stop",
		Summary:     "Stop Pool",
		Description: "Stop the session and release the device",
		Tags:        []string{"pools"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.PoolIDInput) (*models.PoolResponse, error) {
		if !s.sessions.Exists(input.PoolID) {
			return nil, huma.Error404NotFound("pool not found: " + input.PoolID)
		}
		if err := s.sessions.Stop(input.PoolID); err != nil {
			return nil, s.mapPoolError(err)
		}
		return &models.PoolResponse{Body: s.poolData(s.sessions.GetStatus(input.PoolID))}, nil
	})
}

// poolData converts session info to API pool data
func (s *Server) poolData(info *session.Info) models.PoolData {
	data := models.PoolData{
		ID:               info.ID,
		Device:           info.Device,
		Direction:        info.Direction,
		Memory:           info.Memory,
		State:            string(info.State),
		RestartCount:     info.RestartCount,
		Frames:           info.Frames,
		Bytes:            info.Bytes,
		Dropped:          info.Dropped,
		Reconfigurations: info.Reconfigurations,
	}
	if info.LastError != nil {
		data.Error = info.LastError.Error()
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		data.StartedAt = &t
	}
	if st := info.Pool; st != nil {
		data.Stats = &models.PoolStatsData{
			State:         st.State.String(),
			Mode:          st.Mode.String(),
			Buffers:       st.Buffers,
			Free:          st.Free,
			Queued:        st.Queued,
			Outstanding:   st.Outstanding,
			MinBuffers:    st.MinBuffers,
			MaxBuffers:    st.MaxBuffers,
			CopyThreshold: st.CopyThreshold,
			Orphaned:      st.Orphaned,
			Copies:        st.Copies,
			Resurrections: st.Resurrections,
			DequeueErrors: st.DequeueErrors,
			QueueErrors:   st.QueueErrors,
			Truncated:     st.Truncated,
		}
	}
	return data
}

// mapPoolError maps domain errors to HTTP errors
func (s *Server) mapPoolError(err error) error {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return huma.Error404NotFound(err.Error(), err)
	case errors.Is(err, bufferpool.ErrInactive), errors.Is(err, bufferpool.ErrBusy):
		return huma.Error409Conflict(err.Error(), err)
	case errors.Is(err, bufferpool.ErrResolutionChanged):
		return huma.Error409Conflict("resolution changed, the pool is being reconfigured", err)
	case errors.Is(err, bufferpool.ErrConfig):
		return huma.Error400BadRequest(err.Error(), err)
	}
	return huma.Error500InternalServerError("internal server error", err)
}
