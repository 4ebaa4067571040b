package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/23skdu/longbow-pagedattn/internal/metrics"
)

func do(t *testing.T, e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newMonitor() *HealthMonitor {
	return NewHealthMonitor("test", KernelInfo{PagesPerComputeBlock: 4, Megacore: "batch", InlineSeqDim: true})
}

func TestHealthEndpoints(t *testing.T) {
	hm := newMonitor()
	e := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rec := do(t, e, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d body=%s", path, rec.Code, rec.Body.String())
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if body["status"] != "healthy" {
			t.Errorf("%s: status %q", path, body["status"])
		}
	}

	hm.AddAlert("error", "kernel", "copy fault")
	if rec := do(t, e, http.MethodGet, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded monitor returned %d", rec.Code)
	}
	hm.ResolveAlert(0)
	if rec := do(t, e, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("resolved alert should restore health, got %d", rec.Code)
	}
}

func TestStatusReportsRuns(t *testing.T) {
	hm := newMonitor()
	id := hm.RecordRun(Run{Source: "cli", Batch: 4, Duration: 2 * time.Millisecond})
	if id == "" {
		t.Fatal("expected a generated run id")
	}
	hm.RecordRun(Run{ID: "fixed", Source: "flight", Batch: 2, Duration: 4 * time.Millisecond, Error: "invalid heads"})

	rec := do(t, hm.Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Performance.Runs != 2 {
		t.Errorf("expected 2 runs, got %d", status.Performance.Runs)
	}
	if status.Performance.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %v", status.Performance.ErrorRate)
	}
	if status.Performance.AvgLatencyMs != 3 {
		t.Errorf("expected avg latency 3ms, got %v", status.Performance.AvgLatencyMs)
	}
	if len(status.Recent) != 2 || status.Recent[0].ID != id || status.Recent[1].ID != "fixed" {
		t.Errorf("unexpected recent runs %+v", status.Recent)
	}
	if status.Kernel.Megacore != "batch" || status.Kernel.PagesPerComputeBlock != 4 {
		t.Errorf("unexpected kernel info %+v", status.Kernel)
	}
	if len(status.Alerts) != 1 || !strings.Contains(status.Alerts[0].Message, "invalid heads") {
		t.Errorf("failed run should raise one alert, got %+v", status.Alerts)
	}
}

func TestSlowRunAlert(t *testing.T) {
	hm := newMonitor()
	hm.SlowRun = time.Millisecond
	hm.RecordRun(Run{Source: "cli", Duration: time.Second})

	rec := do(t, hm.Handler(), http.MethodGet, "/admin/alerts")
	var alerts []Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Level != "warning" {
		t.Fatalf("expected one warning, got %+v", alerts)
	}

	if rec := do(t, hm.Handler(), http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Fatalf("clear alerts: %d", rec.Code)
	}
	if n := len(hm.Status().Alerts); n != 0 {
		t.Errorf("expected no alerts after clear, got %d", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RecordBlock(0, 4)
	rec := do(t, newMonitor().Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "paged_attention_blocks_total") {
		t.Error("metrics output missing block counter")
	}
}

func TestRunHistoryIsBounded(t *testing.T) {
	hm := newMonitor()
	for i := 0; i < maxRuns+5; i++ {
		hm.RecordRun(Run{Source: "cli"})
	}
	if n := hm.Status().Performance.Runs; n != maxRuns {
		t.Errorf("expected %d runs retained, got %d", maxRuns, n)
	}
}
