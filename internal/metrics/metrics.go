// Package metrics exposes run metrics for node-exporter textfile collection and the watch
// mode HTTP endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for hostkeeper.
type Metrics struct {
	registry                *prometheus.Registry
	runDurationSeconds      *prometheus.HistogramVec
	runsTotal               *prometheus.CounterVec
	stageFailuresTotal      *prometheus.CounterVec
	servicesTotal           *prometheus.GaugeVec
	notificationErrorsTotal prometheus.Counter
	imagesPrunedTotal       prometheus.Counter
	reclaimedBytesTotal     prometheus.Counter
	lastSuccessGauge        *prometheus.GaugeVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostkeeper_run_duration_seconds",
			Help:    "Duration of engine runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"engine"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostkeeper_runs_total",
			Help: "Total engine runs by outcome.",
		}, []string{"engine", "outcome"}),
		stageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostkeeper_stage_failures_total",
			Help: "Total failed stages by engine and stage.",
		}, []string{"engine", "stage"}),
		servicesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hostkeeper_services",
			Help: "Services of the last verified bundle by project and status.",
		}, []string{"project", "status"}),
		notificationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostkeeper_notification_errors_total",
			Help: "Total notification deliveries that failed after retries.",
		}),
		imagesPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostkeeper_images_pruned_total",
			Help: "Total unused images removed after redeploys.",
		}),
		reclaimedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostkeeper_reclaimed_bytes_total",
			Help: "Total disk space reclaimed by image pruning.",
		}),
		lastSuccessGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hostkeeper_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful run by engine.",
		}, []string{"engine"}),
	}

	registry.MustRegister(
		m.runDurationSeconds,
		m.runsTotal,
		m.stageFailuresTotal,
		m.servicesTotal,
		m.notificationErrorsTotal,
		m.imagesPrunedTotal,
		m.reclaimedBytesTotal,
		m.lastSuccessGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry in text exposition format for the node-exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObserveRun records a finished engine run.
func (m *Metrics) ObserveRun(engine, outcome string, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.runDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
	m.runsTotal.WithLabelValues(engine, outcome).Inc()
	if outcome == "succeeded" {
		m.lastSuccessGauge.WithLabelValues(engine).Set(float64(finishedAt.Unix()))
	}
}

// IncStageFailure increments the failure counter for a stage.
func (m *Metrics) IncStageFailure(engine, stage string) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(engine, stage).Inc()
}

// SetServicesTotal sets the services gauge for the given project/status.
func (m *Metrics) SetServicesTotal(project string, status string, value int) {
	if m == nil {
		return
	}
	m.servicesTotal.WithLabelValues(project, status).Set(float64(value))
}

// IncNotificationErrors increments the notification failure counter.
func (m *Metrics) IncNotificationErrors() {
	if m == nil {
		return
	}
	m.notificationErrorsTotal.Inc()
}

// AddPruned records an image prune result.
func (m *Metrics) AddPruned(images int, reclaimed uint64) {
	if m == nil {
		return
	}
	m.imagesPrunedTotal.Add(float64(images))
	m.reclaimedBytesTotal.Add(float64(reclaimed))
}
