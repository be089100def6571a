package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/smazurov/v4l2pool/internal/logging"
)

// registerLogRoutes registers the log history and level endpoints.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Get the most recent log records kept in memory",
		Tags:        []string{"logs"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.LogsResponse, error) {
		recent := logging.Recent()
		entries := make([]models.LogEntryData, len(recent))
		for i, e := range recent {
			entries[i] = models.LogEntryData{
				Timestamp:  e.Time.Format(time.RFC3339Nano),
				Level:      e.Level,
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attrs,
			}
		}
		return &models.LogsResponse{
			Body: models.LogsData{Entries: entries, Count: len(entries)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-level",
		Method:      http.MethodPost,
		Path:        "/api/logs/level",
		Summary:     "Set Log Level",
		Description: "Change the level of one logging module at runtime",
		Tags:        []string{"logs"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.LogLevelRequest) (*models.LogLevelResponse, error) {
		if err := logging.SetModuleLevel(input.Body.Module, input.Body.Level); err != nil {
			return nil, huma.Error400BadRequest(err.Error(), err)
		}
		s.logger.Info("Log level changed", "log_module", input.Body.Module, "level", input.Body.Level)
		return &models.LogLevelResponse{Body: input.Body}, nil
	})
}
