// Package update refreshes the deployment bundle from version control and redeploys it.
package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/hostkeeper/internal/compose"
	"github.com/nholik/hostkeeper/internal/container"
	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/nholik/hostkeeper/internal/snapshot"
	"github.com/nholik/hostkeeper/internal/state"
	"github.com/nholik/hostkeeper/internal/vcs"
	"github.com/rs/zerolog"
)

// Stage names reported in *pipeline.StageError.
const (
	StageBackup   = "backup"
	StageSync     = "sync"
	StageRedeploy = "redeploy"
	StageVerify   = "verify"
)

// Config describes the deployment managed by the engine. It is passed by value.
type Config struct {
	DeployDir      string
	RepoURL        string
	Branch         string
	Remote         string
	BackupDir      string
	KeepSnapshots  int
	Project        string
	ComposeFiles   []string
	HealthSettle   time.Duration
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// DefaultConfig returns the settings used on a stock edge host. RepoURL has no default.
func DefaultConfig() Config {
	return Config{
		DeployDir:      "/opt/deploy",
		Branch:         "main",
		Remote:         "origin",
		BackupDir:      "/var/backups/hostkeeper",
		KeepSnapshots:  10,
		HealthSettle:   10 * time.Second,
		HealthTimeout:  2 * time.Minute,
		HealthInterval: 5 * time.Second,
	}
}

// Options are the per-invocation switches.
type Options struct {
	// BackupOnly stops after the backup stage.
	BackupOnly bool
	// DryRun plans the backup and sync stages without changing anything.
	DryRun bool
}

// SyncAction names how the deployment directory is brought up to date.
type SyncAction string

const (
	ActionFetch SyncAction = "fetch"
	ActionInit  SyncAction = "init"
	ActionClone SyncAction = "clone"
)

// SyncPlan is the read-only outcome of a dry run.
type SyncPlan struct {
	Action           SyncAction `json:"action"`
	CurrentRevision  string     `json:"current_revision,omitempty"`
	UpstreamRevision string     `json:"upstream_revision"`
	WouldChange      bool       `json:"would_change"`
	Drift            []string   `json:"drift,omitempty"`
}

// Result reports what Update did.
type Result struct {
	DryRun        bool                   `json:"dry_run,omitempty"`
	BackupOnly    bool                   `json:"backup_only,omitempty"`
	SkippedBackup bool                   `json:"skipped_backup,omitempty"`
	Snapshot      snapshot.Snapshot      `json:"snapshot"`
	Plan          *SyncPlan              `json:"plan,omitempty"`
	Action        SyncAction             `json:"action,omitempty"`
	Revision      string                 `json:"revision,omitempty"`
	BundleDigest  string                 `json:"bundle_digest,omitempty"`
	Health        *health.Report         `json:"health,omitempty"`
	Prune         *container.PruneReport `json:"prune,omitempty"`
	Stages        []pipeline.Record      `json:"-"`
}

// Outcome maps the result and the error Update returned to a journal outcome.
func (r Result) Outcome(err error) string {
	switch {
	case err != nil:
		return state.OutcomeFailed
	case r.DryRun:
		return state.OutcomePlanned
	default:
		return state.OutcomeSucceeded
	}
}

// run is the state threaded through the stages.
type run struct {
	opts       Options
	result     Result
	definition compose.Definition
}

// Engine runs the update state machine.
type Engine struct {
	cfg        Config
	repo       vcs.Repository
	runtime    container.Runtime
	snapshots  *snapshot.Snapshotter
	locker     lock.Locker
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	loadBundle func(ctx context.Context, dir, project string, files []string) (compose.Definition, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocker overrides the advisory lock.
func WithLocker(locker lock.Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithClock overrides the time source used for snapshot names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSleep overrides how the engine waits for containers to settle.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// New validates cfg and returns an Engine.
func New(cfg Config, repo vcs.Repository, runtime container.Runtime, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if runtime == nil {
		return nil, errors.New("container runtime is required")
	}
	if cfg.DeployDir == "" {
		return nil, errors.New("deployment directory is required")
	}
	if cfg.RepoURL == "" {
		return nil, errors.New("repository url is required")
	}
	if cfg.BackupDir == "" {
		return nil, errors.New("backups root is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	if cfg.HealthSettle < 0 || cfg.HealthTimeout < 0 {
		return nil, errors.New("health settle and timeout must not be negative")
	}

	e := &Engine{
		cfg:        cfg,
		repo:       repo,
		runtime:    runtime,
		locker:     lock.NewNoOpLocker(),
		logger:     logger.With().Str("engine", "update").Logger(),
		now:        time.Now,
		sleep:      sleepContext,
		loadBundle: compose.LoadBundle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.snapshots = snapshot.New(cfg.BackupDir, cfg.KeepSnapshots, e.logger, snapshot.WithClock(e.now))
	return e, nil
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Update runs the backup, sync, redeploy and verify stages in order. Backup failures
// abort before the deployment is touched. Unhealthy services after redeploy are reported
// as warnings, never as errors.
func (e *Engine) Update(ctx context.Context, opts Options) (Result, error) {
	lk, err := e.locker.AcquireLock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire update lock: %w", err)
	}
	defer func() {
		if releaseErr := lk.Release(); releaseErr != nil {
			e.logger.Warn().Err(releaseErr).Msg("failed to release update lock")
		}
	}()

	e.logger.Info().
		Str("dir", e.cfg.DeployDir).
		Str("branch", e.cfg.Branch).
		Bool("dry_run", opts.DryRun).
		Bool("backup_only", opts.BackupOnly).
		Msg("update started")

	initial := run{opts: opts, result: Result{DryRun: opts.DryRun, BackupOnly: opts.BackupOnly}}
	final, records, err := pipeline.Run(ctx, e.logger, initial, e.stages())
	result := final.result
	result.Stages = records
	if err != nil {
		return result, err
	}

	event := e.logger.Info().Str("revision", result.Revision)
	if result.Health != nil {
		event = event.Int("services", len(result.Health.Services)).Int("warnings", len(result.Health.Warnings))
	}
	event.Msg("update finished")
	return result, nil
}

func (e *Engine) stages() []pipeline.Stage[run] {
	return []pipeline.Stage[run]{
		{Name: StageBackup, Run: e.backup},
		{Name: StageSync, Run: e.sync},
		{Name: StageRedeploy, Run: e.redeploy},
		{Name: StageVerify, Run: e.verify},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
