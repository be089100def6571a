package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/v4l2pool/internal/api/models"
)

// registerDeviceRoutes registers all device-related endpoints
func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List Devices",
		Description: "List video devices that support streaming I/O",
		Tags:        []string{"devices"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.DeviceResponse, error) {
		if s.devices == nil {
			return &models.DeviceResponse{Body: models.DeviceData{Devices: []models.DeviceInfo{}}}, nil
		}
		devs, err := s.devices()
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list devices", err)
		}
		if devs == nil {
			devs = []models.DeviceInfo{}
		}
		return &models.DeviceResponse{
			Body: models.DeviceData{Devices: devs, Count: len(devs)},
		}, nil
	})
}
