package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/container"
	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/metrics"
	"github.com/nholik/hostkeeper/internal/notify"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/nholik/hostkeeper/internal/snapshot"
	"github.com/nholik/hostkeeper/internal/state"
	"github.com/nholik/hostkeeper/internal/update"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	if event.Empty() {
		return nil
	}
	n.events = append(n.events, event)
	return n.err
}

func healthyReport() *health.Report {
	return &health.Report{Services: map[string]health.ServiceHealth{
		"iot-api":     {Name: "iot-api", Status: health.StatusRunning, DesiredReplicas: 1, RunningReplicas: 1, DesiredImage: "ghcr.io/acme/iot-api:2.0", ActualImage: "ghcr.io/acme/iot-api:2.0"},
		"web-backend": {Name: "web-backend", Status: health.StatusRunning, DesiredReplicas: 1, RunningReplicas: 1},
	}}
}

func degradedReport() *health.Report {
	report := healthyReport()
	report.Services["iot-api"] = health.ServiceHealth{
		Name:            "iot-api",
		Status:          health.StatusExited,
		DesiredReplicas: 1,
		DesiredImage:    "ghcr.io/acme/iot-api:2.0",
		ActualImage:     "ghcr.io/acme/iot-api:2.0",
		Reasons:         []string{"edge-iot-api-1 Exited (1)"},
	}
	report.Warnings = []string{"service iot-api is exited: edge-iot-api-1 Exited (1)"}
	return report
}

type reporterFixture struct {
	store       *state.FileStore
	notifier    *recordingNotifier
	metrics     *metrics.Metrics
	metricsPath string
	reporter    *Reporter
}

func newReporterFixture(t *testing.T) *reporterFixture {
	t.Helper()
	dir := t.TempDir()
	f := &reporterFixture{
		store:       state.NewFileStore(filepath.Join(dir, "state.json"), zerolog.Nop()),
		notifier:    &recordingNotifier{},
		metrics:     metrics.New(),
		metricsPath: filepath.Join(dir, "textfile", "hostkeeper.prom"),
	}
	f.reporter = NewReporter(zerolog.Nop(),
		WithStateStore(f.store),
		WithNotifier(f.notifier),
		WithMetrics(f.metrics, f.metricsPath),
		WithIdentity("edge", "edge-01"),
	)
	return f
}

func (f *reporterFixture) last(t *testing.T) state.RunRecord {
	t.Helper()
	loaded, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load journal: %v", err)
	}
	rec, ok := loaded.Last(state.EngineUpdate)
	if !ok {
		t.Fatal("expected update record")
	}
	return rec
}

func TestReporter_TransitionsAcrossRuns(t *testing.T) {
	f := newReporterFixture(t)
	ctx := context.Background()
	started := time.Now()

	first := update.Result{
		Revision:     "1111111111111111111111111111111111111111",
		BundleDigest: "sha256:aaa",
		Snapshot:     snapshot.Snapshot{Path: "/var/backups/hostkeeper/deploy-20260314-020000"},
		Health:       healthyReport(),
		Prune:        &container.PruneReport{ImagesDeleted: 2, SpaceReclaimed: 4096},
	}
	if err := f.reporter.RecordUpdate(ctx, started, first, nil); err != nil {
		t.Fatalf("record first: %v", err)
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("healthy first run must not notify, got %+v", f.notifier.events)
	}
	rec := f.last(t)
	if rec.Outcome != state.OutcomeSucceeded || rec.Snapshot != first.Snapshot.Path || len(rec.Services) != 2 {
		t.Fatalf("unexpected journal record %+v", rec)
	}

	second := update.Result{Revision: "2222222222222222222222222222222222222222", Health: degradedReport()}
	if err := f.reporter.RecordUpdate(ctx, started, second, nil); err != nil {
		t.Fatalf("record second: %v", err)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.events))
	}
	event := f.notifier.events[0]
	if event.Project != "edge" || event.Host != "edge-01" || len(event.Transitions) != 1 {
		t.Fatalf("unexpected event %+v", event)
	}
	change := event.Transitions[0]
	if change.Name != "iot-api" || change.PreviousStatus != health.StatusRunning || change.CurrentStatus != health.StatusExited {
		t.Fatalf("unexpected transition %+v", change)
	}
	if len(event.Warnings) != 1 {
		t.Fatalf("expected warnings forwarded, got %v", event.Warnings)
	}
	if f.last(t).Services["iot-api"].Status != health.StatusExited {
		t.Fatal("journal must hold the latest service health")
	}

	data, err := os.ReadFile(f.metricsPath)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`hostkeeper_runs_total{engine="update",outcome="succeeded"} 2`,
		`hostkeeper_services{project="edge",status="exited"} 1`,
		`hostkeeper_images_pruned_total 2`,
	} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("metrics textfile missing %q:\n%s", want, data)
		}
	}
}

func TestReporter_FailedRunKeepsBaseline(t *testing.T) {
	f := newReporterFixture(t)
	ctx := context.Background()

	if err := f.reporter.RecordUpdate(ctx, time.Now(), update.Result{Revision: "aaa", Health: healthyReport()}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	runErr := &pipeline.StageError{Stage: update.StageSync, Err: &command.CommandFailed{Command: "git fetch", ExitCode: 128, Stderr: "could not resolve host"}}
	if err := f.reporter.RecordUpdate(ctx, time.Now(), update.Result{}, runErr); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	rec := f.last(t)
	if rec.Outcome != state.OutcomeFailed || rec.FailedStage != update.StageSync {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Revision != "aaa" || len(rec.Services) != 2 {
		t.Fatalf("failed run must keep the previous baseline, got %+v", rec)
	}
	if !strings.Contains(rec.Error, "could not resolve host") {
		t.Fatalf("expected stderr in journal error, got %q", rec.Error)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].FailedStage != update.StageSync {
		t.Fatalf("expected failure notification, got %+v", f.notifier.events)
	}
}

func TestReporter_DryRunDoesNotNotify(t *testing.T) {
	f := newReporterFixture(t)

	result := update.Result{DryRun: true, Plan: &update.SyncPlan{Action: update.ActionFetch, WouldChange: true}}
	if err := f.reporter.RecordUpdate(context.Background(), time.Now(), result, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("dry run must not notify, got %+v", f.notifier.events)
	}
	if rec := f.last(t); rec.Outcome != state.OutcomePlanned {
		t.Fatalf("expected planned outcome, got %s", rec.Outcome)
	}
}

func TestReporter_NotifyFailureIsRuntimeError(t *testing.T) {
	f := newReporterFixture(t)
	f.notifier.err = errors.New("slack request failed: 404 Not Found")

	runErr := &pipeline.StageError{Stage: update.StageRedeploy, Err: errors.New("up failed")}
	err := f.reporter.RecordUpdate(context.Background(), time.Now(), update.Result{}, runErr)
	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) || runtimeErr.Op != "notify" {
		t.Fatalf("expected notify runtime error, got %v", err)
	}
	if rec := f.last(t); rec.Outcome != state.OutcomeFailed {
		t.Fatalf("journal must still be written, got %+v", rec)
	}
}

func TestReporter_RecordProvision(t *testing.T) {
	f := newReporterFixture(t)

	result := provision.Result{Status: provision.StatusCancelled, Device: "/dev/sdb"}
	if err := f.reporter.RecordProvision(context.Background(), time.Now(), result, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	loaded, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := loaded.Last(state.EngineProvision)
	if !ok || rec.Outcome != state.OutcomeCancelled || rec.Device != "/dev/sdb" {
		t.Fatalf("unexpected provision record %+v", rec)
	}
}

func TestReporter_NilIsSafe(t *testing.T) {
	var r *Reporter
	if err := r.RecordUpdate(context.Background(), time.Now(), update.Result{}, nil); err != nil {
		t.Fatalf("nil reporter: %v", err)
	}
}
