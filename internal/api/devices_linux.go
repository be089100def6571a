//go:build linux

package api

import (
	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/smazurov/v4l2pool/internal/logging"
	"github.com/smazurov/v4l2pool/pkg/linuxav/v4l2"
)

// V4L2Devices lists V4L2 devices with the formats of their primary queue.
func V4L2Devices() ([]models.DeviceInfo, error) {
	found, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger("devices")
	out := make([]models.DeviceInfo, 0, len(found))
	for _, d := range found {
		info := models.DeviceInfo{
			DevicePath: d.DevicePath,
			DeviceName: d.DeviceName,
			DeviceID:   d.DeviceID,
			Driver:     d.Driver,
			Caps:       d.Caps,
			Capture:    d.IsCapture(),
			Output:     d.IsOutput(),
			M2M:        d.IsM2M(),
		}

		typ := v4l2.BufTypeVideoCapture
		if !d.IsCapture() {
			typ = v4l2.BufTypeVideoOutput
		}
		formats, err := v4l2.GetFormats(d.DevicePath, typ)
		if err != nil {
			logger.Debug("Failed to enumerate formats", "device", d.DevicePath, "error", err)
		}
		for _, f := range formats {
			info.Formats = append(info.Formats, models.FormatInfo{
				FourCC:      v4l2.FormatFourCC(f.PixelFormat),
				Description: f.FormatName,
				Compressed:  f.Compressed,
				Emulated:    f.Emulated,
			})
		}
		out = append(out, info)
	}
	return out, nil
}
