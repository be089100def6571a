package models

// DeviceInfo describes a video device with streaming I/O.
type DeviceInfo struct {
	DevicePath string       `json:"device_path" example:"/dev/video0" doc:"Path to the video device"`
	DeviceName string       `json:"device_name" example:"USB Camera" doc:"Card name reported by the driver"`
	DeviceID   string       `json:"device_id" example:"usb-046d_HD_Pro_Webcam_C920-video-index0" doc:"Stable device identifier"`
	Driver     string       `json:"driver" example:"uvcvideo" doc:"Driver name"`
	Caps       uint32       `json:"caps" example:"69206017" doc:"V4L2 device capability bits"`
	Capture    bool         `json:"capture" doc:"Device has a capture queue"`
	Output     bool         `json:"output" doc:"Device has an output queue"`
	M2M        bool         `json:"m2m" doc:"Memory-to-memory device"`
	Formats    []FormatInfo `json:"formats,omitempty" doc:"Pixel formats of the primary queue"`
}

// FormatInfo describes one pixel format.
type FormatInfo struct {
	FourCC      string `json:"fourcc" example:"YUYV" doc:"FourCC code"`
	Description string `json:"description" example:"YUYV 4:2:2" doc:"Driver description"`
	Compressed  bool   `json:"compressed" doc:"Compressed format"`
	Emulated    bool   `json:"emulated" doc:"Converted in user space"`
}

type DeviceData struct {
	Devices []DeviceInfo `json:"devices" doc:"Video devices"`
	Count   int          `json:"count" example:"1" doc:"Number of devices"`
}

type DeviceResponse struct {
	Body DeviceData
}
