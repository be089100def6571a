package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	metrics.SetPoolStats(bufferpool.Stats{Name: "http-test", Queued: 3})
	defer metrics.DeletePool("http-test")

	w := httptest.NewRecorder()
	HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, `v4l2pool_pool_queued_buffers{pool="http-test"} 3`) {
		t.Error("pool metrics missing from response")
	}
}
