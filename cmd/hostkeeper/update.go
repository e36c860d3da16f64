package main

import (
	"errors"
	"fmt"

	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/container"
	"github.com/nholik/hostkeeper/internal/healthcheck"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/metrics"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/nholik/hostkeeper/internal/runner"
	"github.com/nholik/hostkeeper/internal/server"
	"github.com/nholik/hostkeeper/internal/snapshot"
	"github.com/nholik/hostkeeper/internal/update"
	"github.com/nholik/hostkeeper/internal/vcs"
	"github.com/urfave/cli/v2"
)

func (h *hostkeeperCLI) updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "snapshot, sync and redeploy the compose bundle",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "report what would change without touching the host"},
			&cli.BoolFlag{Name: "backup-only", Usage: "take a snapshot of the deployment and stop"},
		},
		OnUsageError: onUsageError,
		Action:       h.update,
	}
}

func (h *hostkeeperCLI) watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "run update on an interval until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "time between update cycles (default HK_WATCH_INTERVAL)"},
		},
		OnUsageError: onUsageError,
		Action:       h.watch,
	}
}

func (h *hostkeeperCLI) update(c *cli.Context) error {
	if err := h.setup(); err != nil {
		return err
	}
	opts := update.Options{DryRun: c.Bool("dry-run"), BackupOnly: c.Bool("backup-only")}

	engine, closeEngine, err := h.updateEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	reporter, err := h.reporter(nil)
	if err != nil {
		return err
	}

	r := runner.New(h.logger, h.cfg.WatchInterval,
		runner.WithUpdater(engine, opts),
		runner.WithReporter(reporter))
	result, err := r.Cycle(c.Context)
	if err != nil {
		h.pointAtSnapshot(err)
		return err
	}
	printUpdate(h.stdout, result)
	return nil
}

// pointAtSnapshot logs where the previous deployment can be recovered from after a failure
// that may have left the deployment directory or containers half updated.
func (h *hostkeeperCLI) pointAtSnapshot(err error) {
	switch pipeline.FailedStage(err) {
	case update.StageSync, update.StageRedeploy:
	default:
		return
	}
	latest, lerr := snapshot.Latest(h.cfg.Update.BackupDir)
	if lerr != nil || latest == "" {
		return
	}
	h.logger.Warn().
		Str("stage", pipeline.FailedStage(err)).
		Str("snapshot", latest).
		Msg("update failed; the latest snapshot holds the previous deployment")
}

func (h *hostkeeperCLI) watch(c *cli.Context) error {
	if err := h.setup(); err != nil {
		return err
	}
	interval := h.cfg.WatchInterval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}
	if interval <= 0 {
		return &usageError{err: errors.New("--interval must be greater than zero")}
	}

	engine, closeEngine, err := h.updateEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	collector := metrics.New()
	tracker := healthcheck.NewTracker()
	reporter, err := h.reporter(collector)
	if err != nil {
		return err
	}

	server.Start(c.Context, h.logger, server.Config{
		HealthPort:  h.cfg.HealthzPort,
		MetricsPort: h.cfg.MetricsPort,
		Interval:    interval,
	}, tracker, collector)

	h.logger.Info().Dur("interval", interval).Str("deploy_dir", h.cfg.Update.DeployDir).Msg("hostkeeper watching")
	return runner.New(h.logger, interval,
		runner.WithUpdater(engine, update.Options{}),
		runner.WithReporter(reporter),
		runner.WithTracker(tracker)).Run(c.Context)
}

// updateEngine wires git, docker compose and the Engine API into an update engine.
// The returned func releases the Docker client.
func (h *hostkeeperCLI) updateEngine() (*update.Engine, func(), error) {
	cfg := h.cfg.Update
	execRunner := command.NewExecRunner(h.logger, h.cfg.CommandTimeout)

	docker, err := container.NewDockerClient(h.cfg.DockerHost, h.cfg.CommandTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("create docker client: %w", err)
	}
	closeDocker := func() {
		if err := docker.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to close docker client")
		}
	}

	runtime, err := container.NewComposeRuntime(container.Project{
		Name:  cfg.Project,
		Dir:   cfg.DeployDir,
		Files: cfg.ComposeFiles,
	}, execRunner, docker, h.logger)
	if err != nil {
		closeDocker()
		return nil, nil, &usageError{err: fmt.Errorf("configure compose: %w", err)}
	}

	engine, err := update.New(cfg, vcs.NewGit(cfg.DeployDir, execRunner), runtime, h.logger,
		update.WithLocker(lock.NewFileLocker(h.cfg.UpdateLockPath())))
	if err != nil {
		closeDocker()
		return nil, nil, &usageError{err: fmt.Errorf("configure update: %w", err)}
	}
	return engine, closeDocker, nil
}
