package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/session"
)

type mockSessions struct {
	mu       sync.Mutex
	infos    map[string]*session.Info
	flushErr error
	calls    []string
}

func newMockSessions() *mockSessions {
	return &mockSessions{infos: map[string]*session.Info{
		"cam0": {
			ID:        "cam0",
			Device:    "/dev/video0",
			Direction: "capture",
			Memory:    "mmap",
			State:     session.StateRunning,
			StartedAt: time.Now(),
			Frames:    120,
			Pool: &bufferpool.Stats{
				State:      bufferpool.StateStreaming,
				Mode:       bufferpool.ModeMMAP,
				Buffers:    4,
				Queued:     3,
				MinBuffers: 4,
			},
		},
		"out0": {
			ID:        "out0",
			Device:    "/dev/video1",
			Direction: "output",
			Memory:    "userptr",
			State:     session.StateError,
			LastError: errors.New("open failed"),
		},
	}}
}

func (m *mockSessions) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockSessions) List() []*session.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Info, 0, len(m.infos))
	for _, id := range []string{"cam0", "out0"} {
		if info, ok := m.infos[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (m *mockSessions) GetStatus(id string) *session.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infos[id]
}

func (m *mockSessions) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.infos[id]
	return ok
}

func (m *mockSessions) IsRunning(id string) bool {
	info := m.GetStatus(id)
	return info != nil && info.State == session.StateRunning
}

func (m *mockSessions) Start(id string) error {
	m.record("start " + id)
	return nil
}

func (m *mockSessions) Stop(id string) error {
	m.record("stop " + id)
	m.mu.Lock()
	m.infos[id].State = session.StateIdle
	m.mu.Unlock()
	return nil
}

func (m *mockSessions) Restart(id string) error {
	m.record("restart " + id)
	m.mu.Lock()
	m.infos[id].RestartCount++
	m.mu.Unlock()
	return nil
}

func (m *mockSessions) Flush(id string) error {
	m.record("flush " + id)
	return m.flushErr
}

func newTestServer(t *testing.T, opts *Options) (*httptest.Server, *mockSessions) {
	t.Helper()
	sessions := newMockSessions()
	if opts == nil {
		opts = &Options{}
	}
	opts.Sessions = sessions
	server := NewServer(opts)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func doRequest(t *testing.T, method, url, user, pass string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthReportsSessions(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data models.HealthData
	decode(t, resp, &data)
	if data.Status != "ok" || data.Pools != 2 || data.Running != 1 {
		t.Errorf("health = %+v, want ok with 2 pools and 1 running", data)
	}
}

func TestBasicAuth(t *testing.T) {
	ts, _ := newTestServer(t, &Options{AuthUsername: "admin", AuthPassword: "secret"})

	tests := []struct {
		name       string
		path       string
		user, pass string
		want       int
	}{
		{"health is public", "/api/health", "", "", http.StatusOK},
		{"version is public", "/api/version", "", "", http.StatusOK},
		{"pools without credentials", "/api/pools", "", "", http.StatusUnauthorized},
		{"pools with wrong password", "/api/pools", "admin", "nope", http.StatusUnauthorized},
		{"pools with credentials", "/api/pools", "admin", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, ts.URL+tt.path, tt.user, tt.pass, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestBasicAuthQueryParameter(t *testing.T) {
	ts, _ := newTestServer(t, &Options{AuthUsername: "admin", AuthPassword: "secret"})

	good := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	resp := doRequest(t, http.MethodGet, ts.URL+"/api/pools?auth="+good, "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/pools?auth=not-base64!", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("malformed auth status = %d, want 401", resp.StatusCode)
	}
}

func TestListPools(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/pools", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data models.PoolListData
	decode(t, resp, &data)
	if data.Count != 2 || len(data.Pools) != 2 {
		t.Fatalf("count = %d, want 2", data.Count)
	}

	cam := data.Pools[0]
	if cam.ID != "cam0" || cam.Direction != "capture" || cam.Memory != "mmap" {
		t.Errorf("cam0 = %+v", cam)
	}
	if cam.Stats == nil || cam.Stats.Queued != 3 || cam.Stats.State != "streaming" {
		t.Errorf("cam0 stats = %+v", cam.Stats)
	}
	if cam.StartedAt == nil {
		t.Error("cam0 started_at missing")
	}

	out := data.Pools[1]
	if out.Error != "open failed" || out.Stats != nil {
		t.Errorf("out0 = %+v, want error and no stats", out)
	}
}

func TestGetPoolNotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/pools/missing", "", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPoolActions(t *testing.T) {
	tests := []struct {
		action string
		call   string
		check  func(t *testing.T, data models.PoolData)
	}{
		{"flush", "flush cam0", nil},
		{"restart", "restart cam0", func(t *testing.T, data models.PoolData) {
			if data.RestartCount != 1 {
				t.Errorf("restart_count = %d, want 1", data.RestartCount)
			}
		}},
		{"stop", "stop cam0", func(t *testing.T, data models.PoolData) {
			if data.State != "idle" {
				t.Errorf("state = %q, want idle", data.State)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			ts, sessions := newTestServer(t, nil)

			resp := doRequest(t, http.MethodPost, ts.URL+"/api/pools/cam0/"+tt.action, "", "", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var data models.PoolData
			decode(t, resp, &data)
			if tt.check != nil {
				tt.check(t, data)
			}
			if len(sessions.calls) != 1 || sessions.calls[0] != tt.call {
				t.Errorf("calls = %v, want [%s]", sessions.calls, tt.call)
			}
		})
	}
}

func TestFlushErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"inactive", bufferpool.ErrInactive, http.StatusConflict},
		{"busy", fmt.Errorf("stop: %w", bufferpool.ErrBusy), http.StatusConflict},
		{"resolution changed", bufferpool.ErrResolutionChanged, http.StatusConflict},
		{"unknown session", session.ErrUnknownSession, http.StatusNotFound},
		{"config", &bufferpool.Error{Code: bufferpool.ErrCodeConfig, Message: "bad"}, http.StatusBadRequest},
		{"other", errors.New("ioctl failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, sessions := newTestServer(t, nil)
			sessions.flushErr = tt.err

			resp := doRequest(t, http.MethodPost, ts.URL+"/api/pools/cam0/flush", "", "", nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListDevices(t *testing.T) {
	devices := []models.DeviceInfo{{
		DevicePath: "/dev/video0",
		DeviceName: "USB Camera",
		Driver:     "uvcvideo",
		Capture:    true,
		Formats:    []models.FormatInfo{{FourCC: "YUYV", Description: "YUYV 4:2:2"}},
	}}
	ts, _ := newTestServer(t, &Options{Devices: func() ([]models.DeviceInfo, error) { return devices, nil }})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/devices", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data models.DeviceData
	decode(t, resp, &data)
	if data.Count != 1 || data.Devices[0].Formats[0].FourCC != "YUYV" {
		t.Errorf("devices = %+v", data)
	}
}

func TestListDevicesError(t *testing.T) {
	ts, _ := newTestServer(t, &Options{Devices: func() ([]models.DeviceInfo, error) {
		return nil, errors.New("sysfs unavailable")
	}})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/devices", "", "", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestSetLogLevel(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/logs/level", "", "",
		strings.NewReader(`{"module":"bufferpool","level":"debug"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data models.LogLevelData
	decode(t, resp, &data)
	if data.Module != "bufferpool" || data.Level != "debug" {
		t.Errorf("response = %+v", data)
	}

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/logs/level", "", "",
		strings.NewReader(`{"module":"bufferpool","level":"loud"}`))
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		t.Errorf("invalid level status = %d, want 4xx", resp.StatusCode)
	}
}

func TestGetLogs(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/logs", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data models.LogsData
	decode(t, resp, &data)
	if data.Count != len(data.Entries) {
		t.Errorf("count = %d, entries = %d", data.Count, len(data.Entries))
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &Options{AuthUsername: "admin", AuthPassword: "secret"})

	resp := doRequest(t, http.MethodOptions, ts.URL+"/api/pools/cam0/flush", "", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Errorf("allow methods = %q", got)
	}
}

func TestPrometheusHandlerIsPublic(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "v4l2pool_up 1\n")
	})
	ts, _ := newTestServer(t, &Options{
		AuthUsername:      "admin",
		AuthPassword:      "secret",
		PrometheusHandler: metrics,
	})

	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "v4l2pool_up 1") {
		t.Errorf("body = %q", body)
	}
}
