package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/smazurov/v4l2pool/internal/bufferpool"
)

type countingSink struct {
	n   int
	err error
}

func (s *countingSink) WriteFrame(string, *bufferpool.Buffer) error {
	s.n++
	return s.err
}

func TestLimitSink(t *testing.T) {
	next := &countingSink{}
	cancelled := 0
	sink := &limitSink{next: next, limit: 3, done: func() { cancelled++ }}

	for range 5 {
		if err := sink.WriteFrame("cam0", &bufferpool.Buffer{}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if next.n != 3 {
		t.Errorf("frames written = %d, want 3", next.n)
	}
	if cancelled != 1 {
		t.Errorf("done called %d times, want 1", cancelled)
	}
}

func TestLimitSinkUnlimited(t *testing.T) {
	next := &countingSink{}
	sink := &limitSink{next: next, done: func() { t.Error("done called without a limit") }}
	for range 10 {
		_ = sink.WriteFrame("cam0", &bufferpool.Buffer{})
	}
	if next.n != 10 {
		t.Errorf("frames written = %d, want 10", next.n)
	}
}

func TestLimitSinkError(t *testing.T) {
	want := errors.New("disk full")
	sink := &limitSink{next: &countingSink{err: want}, limit: 1, done: func() { t.Error("done called after error") }}
	if err := sink.WriteFrame("cam0", &bufferpool.Buffer{}); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestCaptureSpec(t *testing.T) {
	dir := t.TempDir()
	pools := filepath.Join(dir, "pools.toml")
	data := `
[pools.cam0]
device = "/dev/video2"
memory = "dmabuf"
min_buffers = 6

[pools.out0]
device = "/dev/video3"
direction = "output"
`
	if err := os.WriteFile(pools, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		flags      captureFlags
		args       []string
		wantDevice string
		wantMemory string
		wantErr    string
	}{
		{"flags", captureFlags{device: "/dev/video0", memory: "userptr", maxBuffers: 8}, nil, "/dev/video0", "userptr", ""},
		{"bad memory flag", captureFlags{device: "/dev/video0", memory: "shm"}, nil, "", "", "unknown memory"},
		{"dmabuf import flag", captureFlags{device: "/dev/video0", memory: "dmabuf-import"}, nil, "", "", "dmabuf producer"},
		{"pool from file", captureFlags{poolsFile: pools}, []string{"cam0"}, "/dev/video2", "dmabuf", ""},
		{"output pool", captureFlags{poolsFile: pools}, []string{"out0"}, "", "", "output pool"},
		{"missing pool", captureFlags{poolsFile: pools}, []string{"cam9"}, "", "", "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := tt.flags.spec(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("spec: %v", err)
			}
			if spec.Device != tt.wantDevice || spec.Memory != tt.wantMemory || spec.Direction != "capture" {
				t.Errorf("spec = %+v", spec)
			}
		})
	}
}

func TestCaptureOpensDevice(t *testing.T) {
	dir := t.TempDir()
	cmd := CreateCaptureCmd()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{
		"--device", filepath.Join(dir, "video9"),
		"--frames", "1",
		"--output", filepath.Join(dir, "out.raw"),
	})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "failed to open") {
		t.Fatalf("Execute() = %v, want the device open to fail", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.raw")); statErr != nil {
		t.Errorf("output file not created: %v", statErr)
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	err := printDevices(&buf, []models.DeviceInfo{
		{
			DevicePath: "/dev/video0",
			DeviceName: "USB Camera",
			Driver:     "uvcvideo",
			Capture:    true,
			Formats:    []models.FormatInfo{{FourCC: "MJPG"}, {FourCC: "YUYV"}},
		},
		{
			DevicePath: "/dev/video10",
			DeviceName: "decoder",
			Driver:     "hantro-vpu",
			Capture:    true,
			Output:     true,
			M2M:        true,
			Formats:    []models.FormatInfo{{FourCC: "NV12", Emulated: true}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"MJPG,YUYV", "m2m", "NV12*", "/dev/video10"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printDevices(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No streaming devices") {
		t.Errorf("empty output = %q", buf.String())
	}
}
