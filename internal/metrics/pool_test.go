package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", w.Code)
	}
	return w.Body.String()
}

func TestSetPoolStats(t *testing.T) {
	name := "metrics-test"
	defer DeletePool(name)

	SetPoolStats(bufferpool.Stats{
		Name:        name,
		State:       bufferpool.StateStreaming,
		Buffers:     6,
		Free:        1,
		Queued:      4,
		Outstanding: 1,
		Copies:      9,
	})

	body := scrape(t)
	for _, line := range []string{
		`v4l2pool_pool_buffers{pool="metrics-test"} 6`,
		`v4l2pool_pool_queued_buffers{pool="metrics-test"} 4`,
		`v4l2pool_pool_outstanding_buffers{pool="metrics-test"} 1`,
		`v4l2pool_pool_state{pool="metrics-test"} 2`,
		`v4l2pool_pool_copies_total{pool="metrics-test"} 9`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("scrape missing %q", line)
		}
	}

	s, ok := PoolStats(name)
	if !ok || s.Queued != 4 {
		t.Errorf("PoolStats() = %+v, %v", s, ok)
	}
}

func TestDeletePool(t *testing.T) {
	name := "metrics-delete"
	SetPoolStats(bufferpool.Stats{Name: name, Queued: 2})
	DeletePool(name)

	if _, ok := PoolStats(name); ok {
		t.Error("snapshot kept after DeletePool")
	}
	if strings.Contains(scrape(t), `pool="metrics-delete"`) {
		t.Error("series still exported after DeletePool")
	}
}

func TestAllPoolStatsCopy(t *testing.T) {
	name := "metrics-copy"
	defer DeletePool(name)
	SetPoolStats(bufferpool.Stats{Name: name, Free: 3})

	all := AllPoolStats()
	all[name] = bufferpool.Stats{Name: name, Free: 99}

	if s, _ := PoolStats(name); s.Free != 3 {
		t.Errorf("cache modified through AllPoolStats result, Free = %d", s.Free)
	}
}

// Run with -race.
func TestPoolStatsConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := bufferpool.Stats{Name: "metrics-race", Queued: i}
			for range 100 {
				SetPoolStats(s)
				_, _ = PoolStats(s.Name)
				_ = AllPoolStats()
			}
		}()
	}
	wg.Wait()
	DeletePool("metrics-race")
}
