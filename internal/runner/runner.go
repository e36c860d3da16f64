// Package runner drives update cycles: once from the CLI or periodically in watch mode.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/nholik/hostkeeper/internal/healthcheck"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/update"
	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Updater runs one deployment update.
type Updater interface {
	Update(ctx context.Context, opts update.Options) (update.Result, error)
}

// Runner orchestrates update cycles and their side effects.
type Runner struct {
	logger        zerolog.Logger
	interval      time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	updater       Updater
	options       update.Options
	reporter      *Reporter
	tracker       *healthcheck.Tracker
	now           func() time.Time
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithUpdater sets the engine and the options every cycle runs with.
func WithUpdater(updater Updater, opts update.Options) Option {
	return func(r *Runner) {
		r.updater = updater
		r.options = opts
	}
}

// WithReporter records journal entries, notifications and metrics after each cycle.
func WithReporter(reporter *Reporter) Option {
	return func(r *Runner) {
		r.reporter = reporter
	}
}

// WithTracker feeds cycle results to the health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(r *Runner) {
		r.tracker = tracker
	}
}

// New constructs a Runner with the given logger and interval.
func New(logger zerolog.Logger, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:   logger,
		interval: interval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: time.Now,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled. A failed cycle
// never stops the loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("watch interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial update cycle failed")
	}

	ticker := r.tickerFactory(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("update cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	_, err := r.Cycle(ctx)
	return err
}

// Cycle runs one update and records its side effects. Side-effect failures are logged
// and never replace the update's own error.
func (r *Runner) Cycle(ctx context.Context) (update.Result, error) {
	if r.updater == nil {
		return update.Result{}, errors.New("no updater configured")
	}

	started := r.now()
	result, err := r.updater.Update(ctx, r.options)
	if errors.Is(err, lock.ErrBusy) {
		r.logger.Warn().Msg("another update holds the lock; cycle skipped")
		return result, err
	}

	if reportErr := r.reporter.RecordUpdate(ctx, started, result, err); reportErr != nil {
		r.logger.Warn().Err(reportErr).Msg("post-update reporting incomplete")
	}

	services := 0
	if result.Health != nil {
		services = len(result.Health.Services)
	}
	r.tracker.RecordCycle(r.now().Sub(started), result.Outcome(err), services, err != nil)

	return result, err
}
