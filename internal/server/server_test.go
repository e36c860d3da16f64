package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nholik/hostkeeper/internal/healthcheck"
	"github.com/nholik/hostkeeper/internal/metrics"
)

func TestHandlersSharedPort(t *testing.T) {
	tracker := healthcheck.NewTracker()
	tracker.RecordCycle(time.Millisecond, "succeeded", 1, false)

	handlers := Handlers(Config{HealthPort: 9100, MetricsPort: 9100, Interval: time.Hour}, tracker, metrics.New())
	if len(handlers) != 1 {
		t.Fatalf("expected one shared listener, got %d", len(handlers))
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		handlers[9100].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestHandlersSeparatePorts(t *testing.T) {
	handlers := Handlers(Config{HealthPort: 9100, MetricsPort: 9101, Interval: time.Hour}, healthcheck.NewTracker(), metrics.New())
	if len(handlers) != 2 {
		t.Fatalf("expected two listeners, got %d", len(handlers))
	}

	rec := httptest.NewRecorder()
	handlers[9100].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must not be served on the health port, got %d", rec.Code)
	}
}

func TestHandlersDisabled(t *testing.T) {
	cfg := Config{}
	if cfg.Enabled() {
		t.Fatal("expected disabled config")
	}
	if got := Handlers(cfg, nil, nil); len(got) != 0 {
		t.Fatalf("expected no handlers, got %d", len(got))
	}
}
