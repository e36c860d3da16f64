package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/metrics"
	"github.com/nholik/hostkeeper/internal/notify"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/nholik/hostkeeper/internal/state"
	"github.com/nholik/hostkeeper/internal/transition"
	"github.com/nholik/hostkeeper/internal/update"
	"github.com/rs/zerolog"
)

// Reporter performs the side effects that follow an engine run: the run journal,
// transition detection, notifications and metrics.
type Reporter struct {
	logger      zerolog.Logger
	store       state.Store
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	metricsPath string
	project     string
	host        string
	now         func() time.Time
	mu          sync.Mutex
}

// ReporterOption customizes a Reporter.
type ReporterOption func(*Reporter)

// WithStateStore enables the run journal.
func WithStateStore(store state.Store) ReporterOption {
	return func(r *Reporter) {
		r.store = store
	}
}

// WithNotifier sets where update events are delivered.
func WithNotifier(notifier notify.Notifier) ReporterOption {
	return func(r *Reporter) {
		r.notifier = notifier
	}
}

// WithMetrics records run metrics and, when path is set, writes them as a textfile.
func WithMetrics(m *metrics.Metrics, path string) ReporterOption {
	return func(r *Reporter) {
		r.metrics = m
		r.metricsPath = path
	}
}

// WithIdentity labels events with the compose project and host name.
func WithIdentity(project, host string) ReporterOption {
	return func(r *Reporter) {
		r.project = project
		r.host = host
	}
}

// NewReporter constructs a Reporter. Without options it only logs.
func NewReporter(logger zerolog.Logger, opts ...ReporterOption) *Reporter {
	r := &Reporter{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordUpdate journals an update run, notifies about service transitions and failures,
// and exports metrics. The returned error joins every failed side effect.
func (r *Reporter) RecordUpdate(ctx context.Context, started time.Time, result update.Result, runErr error) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	finished := r.now().UTC()
	outcome := result.Outcome(runErr)
	failedStage := pipeline.FailedStage(runErr)

	var errs []error
	loaded, err := r.load(ctx)
	if err != nil {
		errs = append(errs, wrapRuntime("load journal", err))
	}
	prev, _ := loaded.Last(state.EngineUpdate)

	record := state.RunRecord{
		Engine:       state.EngineUpdate,
		Outcome:      outcome,
		FailedStage:  failedStage,
		StartedAt:    started.UTC(),
		FinishedAt:   finished,
		Revision:     result.Revision,
		BundleDigest: result.BundleDigest,
		Snapshot:     result.Snapshot.Path,
		Services:     prev.Services,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if record.Revision == "" {
		record.Revision = prev.Revision
	}

	var transitions []transition.ServiceTransition
	if result.Health != nil {
		transitions = transition.Detect(prev.Services, *result.Health)
		record.Services = result.Health.Services
		r.logTransitions(transitions)
	}

	if r.store != nil {
		loaded.Record(record)
		if err := r.store.Save(ctx, loaded); err != nil {
			errs = append(errs, wrapRuntime("save journal", err))
		}
	}

	if r.notifier != nil && !result.DryRun {
		event := notify.Event{
			Host:        r.host,
			Project:     r.project,
			Outcome:     outcome,
			FailedStage: failedStage,
			Error:       record.Error,
			Revision:    result.Revision,
			Transitions: transitions,
			FinishedAt:  finished,
		}
		if result.Health != nil {
			event.Warnings = result.Health.Warnings
		}
		if err := r.notifier.Notify(ctx, event); err != nil {
			r.metrics.IncNotificationErrors()
			errs = append(errs, wrapRuntime("notify", err))
		}
	}

	r.metrics.ObserveRun(state.EngineUpdate, outcome, finished.Sub(started), finished)
	if failedStage != "" {
		r.metrics.IncStageFailure(state.EngineUpdate, failedStage)
	}
	if result.Health != nil {
		for _, status := range []health.ServiceStatus{health.StatusRunning, health.StatusExited, health.StatusUnknown} {
			r.metrics.SetServicesTotal(r.project, string(status), result.Health.Count(status))
		}
	}
	if result.Prune != nil {
		r.metrics.AddPruned(result.Prune.ImagesDeleted, result.Prune.SpaceReclaimed)
	}
	if err := r.metrics.WriteTextfile(r.metricsPath); err != nil {
		errs = append(errs, wrapRuntime("export metrics", err))
	}

	return errors.Join(errs...)
}

// RecordProvision journals a provisioning run and exports metrics.
func (r *Reporter) RecordProvision(ctx context.Context, started time.Time, result provision.Result, runErr error) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	finished := r.now().UTC()
	outcome := provisionOutcome(result, runErr)
	failedStage := pipeline.FailedStage(runErr)

	var errs []error
	if r.store != nil {
		loaded, err := r.load(ctx)
		if err != nil {
			errs = append(errs, wrapRuntime("load journal", err))
		}
		record := state.RunRecord{
			Engine:      state.EngineProvision,
			Outcome:     outcome,
			FailedStage: failedStage,
			StartedAt:   started.UTC(),
			FinishedAt:  finished,
			Device:      result.Device,
			UUID:        result.UUID,
		}
		if runErr != nil {
			record.Error = runErr.Error()
		}
		loaded.Record(record)
		if err := r.store.Save(ctx, loaded); err != nil {
			errs = append(errs, wrapRuntime("save journal", err))
		}
	}

	r.metrics.ObserveRun(state.EngineProvision, outcome, finished.Sub(started), finished)
	if failedStage != "" {
		r.metrics.IncStageFailure(state.EngineProvision, failedStage)
	}
	if err := r.metrics.WriteTextfile(r.metricsPath); err != nil {
		errs = append(errs, wrapRuntime("export metrics", err))
	}

	return errors.Join(errs...)
}

func (r *Reporter) load(ctx context.Context) (state.State, error) {
	if r.store == nil {
		return state.State{}, nil
	}
	return r.store.Load(ctx)
}

func (r *Reporter) logTransitions(transitions []transition.ServiceTransition) {
	for _, change := range transitions {
		event := r.logger.Warn()
		if change.Recovered() {
			event = r.logger.Info()
		}
		event = event.
			Str("service", change.Name).
			Str("previous_status", string(change.PreviousStatus)).
			Str("current_status", string(change.CurrentStatus)).
			Strs("reasons", change.Reasons)

		if change.ReplicaChange != nil {
			event = event.Int("desired_replicas", change.ReplicaChange.CurrentDesired).
				Int("running_replicas", change.ReplicaChange.CurrentRunning).
				Int("running_delta", change.ReplicaChange.RunningDelta)
		}
		if change.ImageChange != nil {
			event = event.Str("desired_image", change.ImageChange.CurrentDesired).
				Str("actual_image", change.ImageChange.CurrentActual)
		}
		event.Msg("service transition detected")
	}
}

func provisionOutcome(result provision.Result, err error) string {
	switch {
	case err != nil:
		return state.OutcomeFailed
	case result.Status == provision.StatusSkipped:
		return state.OutcomeSkipped
	case result.Status == provision.StatusCancelled:
		return state.OutcomeCancelled
	default:
		return state.OutcomeSucceeded
	}
}
