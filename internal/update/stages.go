package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/hostkeeper/internal/compose"
	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/pipeline"
)

func (e *Engine) backup(ctx context.Context, r run) (run, error) {
	if r.opts.DryRun {
		snap, err := e.snapshots.Plan(e.cfg.DeployDir)
		if err != nil {
			return r, err
		}
		r.result.Snapshot = snap
		r.result.SkippedBackup = snap.Skipped
		e.logger.Info().Str("snapshot", snap.Path).Bool("skipped", snap.Skipped).Msg("[DRY-RUN] would snapshot deployment directory")
		if r.opts.BackupOnly {
			return r, pipeline.ErrHalt
		}
		return r, nil
	}

	snap, err := e.snapshots.Take(ctx, e.cfg.DeployDir)
	if err != nil {
		return r, err
	}
	r.result.Snapshot = snap
	r.result.SkippedBackup = snap.Skipped
	if r.opts.BackupOnly {
		return r, pipeline.ErrHalt
	}
	return r, nil
}

func (e *Engine) sync(ctx context.Context, r run) (run, error) {
	action, err := e.syncAction(ctx)
	if err != nil {
		return r, err
	}

	if r.opts.DryRun {
		plan, err := e.planSync(ctx, action)
		if err != nil {
			return r, err
		}
		r.result.Plan = &plan
		e.logger.Info().
			Str("action", string(plan.Action)).
			Str("current", plan.CurrentRevision).
			Str("upstream", plan.UpstreamRevision).
			Bool("would_change", plan.WouldChange).
			Strs("drift", plan.Drift).
			Msg("[DRY-RUN] sync planned")
		return r, pipeline.ErrHalt
	}

	ref := e.cfg.Remote + "/" + e.cfg.Branch
	switch action {
	case ActionClone:
		if err := e.repo.Clone(ctx, e.cfg.RepoURL, e.cfg.Branch); err != nil {
			return r, err
		}
	case ActionInit:
		if err := e.repo.Init(ctx, e.cfg.Remote, e.cfg.RepoURL); err != nil {
			return r, err
		}
		fallthrough
	case ActionFetch:
		if err := e.repo.Fetch(ctx, e.cfg.Remote, e.cfg.Branch); err != nil {
			return r, err
		}
		if err := e.repo.ResetHard(ctx, ref); err != nil {
			return r, err
		}
	}
	r.result.Action = action

	revision, err := e.repo.Head(ctx)
	if err != nil {
		return r, err
	}
	r.result.Revision = revision

	// A broken bundle fails here, before redeploy touches any container.
	files, err := compose.ResolveFiles(e.cfg.DeployDir, e.cfg.ComposeFiles)
	if err != nil {
		return r, err
	}
	digest, err := compose.FingerprintFiles(files)
	if err != nil {
		return r, err
	}
	r.result.BundleDigest = digest.String()

	def, err := e.loadBundle(ctx, e.cfg.DeployDir, e.cfg.Project, e.cfg.ComposeFiles)
	if err != nil {
		return r, err
	}
	r.definition = def

	e.logger.Info().
		Str("action", string(action)).
		Str("revision", revision).
		Str("bundle_digest", r.result.BundleDigest).
		Int("services", len(def.Services)).
		Msg("deployment synchronized")
	return r, nil
}

func (e *Engine) syncAction(ctx context.Context) (SyncAction, error) {
	info, err := os.Stat(e.cfg.DeployDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ActionClone, nil
	case err != nil:
		return "", fmt.Errorf("stat deployment directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("%s is not a directory", e.cfg.DeployDir)
	}

	isRepo, err := e.repo.IsRepository(ctx)
	if err != nil {
		return "", err
	}
	if isRepo {
		return ActionFetch, nil
	}
	return ActionInit, nil
}

// planSync only runs read-only queries.
func (e *Engine) planSync(ctx context.Context, action SyncAction) (SyncPlan, error) {
	upstream, err := e.repo.RemoteHead(ctx, e.cfg.RepoURL, e.cfg.Branch)
	if err != nil {
		return SyncPlan{}, err
	}
	plan := SyncPlan{Action: action, UpstreamRevision: upstream, WouldChange: true}
	if action != ActionFetch {
		return plan, nil
	}

	current, err := e.repo.Head(ctx)
	if err != nil {
		return SyncPlan{}, err
	}
	drift, err := e.repo.Status(ctx)
	if err != nil {
		return SyncPlan{}, err
	}
	plan.CurrentRevision = current
	plan.Drift = drift
	plan.WouldChange = current != upstream || len(drift) > 0
	return plan, nil
}

func (e *Engine) redeploy(ctx context.Context, r run) (run, error) {
	if err := e.runtime.Ping(ctx); err != nil {
		return r, fmt.Errorf("container engine unreachable: %w", err)
	}
	if err := e.runtime.PullImages(ctx); err != nil {
		return r, err
	}
	if err := e.runtime.Down(ctx); err != nil {
		return r, err
	}
	if err := e.runtime.Up(ctx); err != nil {
		return r, err
	}

	report, err := e.runtime.PruneImages(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("image prune failed")
		return r, nil
	}
	r.result.Prune = &report
	e.logger.Info().Str("prune", report.String()).Msg("unused images pruned")
	return r, nil
}

// verify waits for the expected services to run. It only fails when ctx is done.
func (e *Engine) verify(ctx context.Context, r run) (run, error) {
	if err := e.sleep(ctx, e.cfg.HealthSettle); err != nil {
		return r, err
	}

	var (
		report  health.Report
		lastErr error
		polled  bool
	)
	poll := func() error {
		containers, err := e.runtime.PS(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		lastErr = nil
		polled = true
		report = health.Evaluate(r.definition, containers)
		if !report.Healthy() {
			return fmt.Errorf("%d of %d services not running", len(report.Services)-report.Count(health.StatusRunning), len(report.Services))
		}
		return nil
	}

	var waitErr error
	if e.cfg.HealthTimeout <= 0 {
		waitErr = poll()
	} else {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = e.cfg.HealthInterval
		policy.MaxInterval = 4 * e.cfg.HealthInterval
		policy.MaxElapsedTime = e.cfg.HealthTimeout
		policy.Reset()
		waitErr = backoff.Retry(poll, backoff.WithContext(policy, ctx))
	}
	if err := ctx.Err(); err != nil {
		return r, err
	}
	if !polled {
		report = health.Evaluate(r.definition, nil)
	}
	if lastErr != nil {
		report.Warnings = append(report.Warnings, "container state unavailable: "+lastErr.Error())
	}
	if waitErr != nil {
		e.logger.Warn().
			Err(waitErr).
			Strs("warnings", report.Warnings).
			Msg("services not healthy within timeout")
	}
	for _, name := range report.Names() {
		svc := report.Services[name]
		e.logger.Info().
			Str("service", name).
			Str("status", string(svc.Status)).
			Int("running", svc.RunningReplicas).
			Int("desired", svc.DesiredReplicas).
			Str("reasons", strings.Join(svc.Reasons, "; ")).
			Msg("service health")
	}

	r.result.Health = &report
	return r, nil
}
