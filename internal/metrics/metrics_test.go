package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	m := New()

	m.ObserveRun("update", "succeeded", 2*time.Second, time.Unix(100, 0))
	m.ObserveRun("update", "failed", time.Second, time.Unix(200, 0))
	m.IncStageFailure("update", "sync")
	m.SetServicesTotal("edge", "running", 3)
	m.SetServicesTotal("edge", "exited", 1)
	m.IncNotificationErrors()
	m.AddPruned(2, 2048)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("update", "succeeded")); got != 1 {
		t.Fatalf("expected 1 succeeded run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("update", "failed")); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.stageFailuresTotal.WithLabelValues("update", "sync")); got != 1 {
		t.Fatalf("expected sync failure 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.servicesTotal.WithLabelValues("edge", "running")); got != 3 {
		t.Fatalf("expected running services 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.notificationErrorsTotal); got != 1 {
		t.Fatalf("expected notification errors 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.reclaimedBytesTotal); got != 2048 {
		t.Fatalf("expected reclaimed bytes 2048, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccessGauge.WithLabelValues("update")); got != 100 {
		t.Fatalf("expected last success 100, got %v", got)
	}
	if count := testutil.CollectAndCount(m.runDurationSeconds); count == 0 {
		t.Fatalf("expected run duration histogram to be collected")
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveRun("provision", "skipped", time.Second, time.Unix(100, 0))

	path := filepath.Join(t.TempDir(), "textfile", "hostkeeper.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `hostkeeper_runs_total{engine="provision",outcome="skipped"} 1`) {
		t.Fatalf("unexpected textfile contents:\n%s", data)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun("update", "succeeded", time.Second, time.Now())
	m.IncStageFailure("update", "verify")
	if err := m.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Fatalf("nil metrics must not write: %v", err)
	}
}
