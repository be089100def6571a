//go:build !linux

package api

import "github.com/smazurov/v4l2pool/internal/api/models"

// V4L2Devices reports no devices where V4L2 is unavailable.
func V4L2Devices() ([]models.DeviceInfo, error) {
	return []models.DeviceInfo{}, nil
}
