//go:build linux

package v4l2

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"
)

// FindDevices finds all V4L2 streaming devices with a capture or output queue.
func FindDevices() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	logger := slog.With("component", "linuxav")
	devices := []DeviceInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, ok, err := inspect(entry.Name())
		if err != nil {
			logger.Debug("Skipping video device", "node", entry.Name(), "error", err)
			continue
		}
		if ok {
			devices = append(devices, info)
		}
	}
	return devices, nil
}

const sysfsRoot = "/sys/class/video4linux"

// inspect queries one video node. ok is false for nodes without streaming
// I/O or without a video queue, such as metadata nodes.
func inspect(node string) (DeviceInfo, bool, error) {
	devicePath := "/dev/" + node
	fd, err := open(devicePath)
	if err != nil {
		return DeviceInfo{}, false, err
	}
	c, err := queryCap(fd)
	closeFD(fd)
	if err != nil {
		return DeviceInfo{}, false, err
	}

	if c.DeviceCaps&V4L2_CAP_STREAMING == 0 ||
		c.DeviceCaps&(V4L2_CAP_VIDEO_CAPTURE|V4L2_CAP_VIDEO_OUTPUT|V4L2_CAP_VIDEO_M2M) == 0 {
		return DeviceInfo{}, false, nil
	}

	index := readSysfsInt(filepath.Join(sysfsRoot, node, "index"))
	id := findStableID(node, index)
	if id == "" {
		// No udev symlink, so derive one from the bus the way udev names them.
		if strings.HasPrefix(c.BusInfo, "usb-") {
			id = fmt.Sprintf("%s-video-index%d", c.BusInfo, index)
		} else {
			id = fmt.Sprintf("platform-%s-video-index%d", c.BusInfo, index)
		}
	}

	return DeviceInfo{
		DevicePath: devicePath,
		DeviceName: c.Card,
		DeviceID:   id,
		Driver:     c.Driver,
		Caps:       c.DeviceCaps,
	}, true, nil
}

// GetDevicePathByID finds the device path for a given stable device ID.
// IDs from /dev/v4l/by-id resolve through the symlink without opening
// every node.
func GetDevicePathByID(deviceID string) (string, error) {
	if target, err := filepath.EvalSymlinks(filepath.Join("/dev/v4l/by-id", deviceID)); err == nil {
		return target, nil
	}

	devices, err := FindDevices()
	if err != nil {
		return "", fmt.Errorf("failed to find devices: %w", err)
	}
	for _, device := range devices {
		if device.DeviceID == deviceID {
			return device.DevicePath, nil
		}
	}
	return "", fmt.Errorf("device with ID %s not found", deviceID)
}

// findStableID looks for a stable ID symlink in /dev/v4l/by-id/
func findStableID(deviceName string, indexValue int) string {
	byIDDir := "/dev/v4l/by-id"
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return ""
	}

	expectedSuffix := fmt.Sprintf("-video-index%d", indexValue)

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		linkPath := filepath.Join(byIDDir, entry.Name())
		target, err := os.Readlink(linkPath)
		if err != nil {
			continue
		}

		// Get the video device name from the target
		targetBase := filepath.Base(target)
		if targetBase == deviceName && strings.HasSuffix(entry.Name(), expectedSuffix) {
			return entry.Name()
		}
	}

	return ""
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func queryCap(fd int) (Capabilities, error) {
	cap := v4l2_capability{}
	if err := ioctl(fd, VIDIOC_QUERYCAP, unsafe.Pointer(&cap)); err != nil {
		return Capabilities{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}

	caps := cap.capabilities
	if caps&V4L2_CAP_DEVICE_CAPS != 0 {
		caps = cap.device_caps
	}

	return Capabilities{
		Driver:     cstr(cap.driver[:]),
		Card:       cstr(cap.card[:]),
		BusInfo:    cstr(cap.bus_info[:]),
		DeviceCaps: caps,
	}, nil
}
