package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/hostkeeper/internal/command"
	"github.com/rs/zerolog"
)

// Project identifies a compose project on disk.
type Project struct {
	Name  string
	Dir   string
	Files []string
}

// engine is the part of DockerClient the compose runtime needs.
type engine interface {
	Ping(ctx context.Context) error
	ProjectContainers(ctx context.Context, project string) ([]ContainerState, error)
	PruneImages(ctx context.Context) (PruneReport, error)
}

// ComposeRuntime implements Runtime with the docker compose CLI for lifecycle
// operations and the Engine API for state queries.
type ComposeRuntime struct {
	project     Project
	runner      command.Runner
	engine      engine
	logger      zerolog.Logger
	pullTimeout time.Duration
	binary      []string
}

// ComposeOption customizes a ComposeRuntime.
type ComposeOption func(*ComposeRuntime)

// WithPullTimeout bounds image pulls separately from the runner default.
func WithPullTimeout(d time.Duration) ComposeOption {
	return func(r *ComposeRuntime) {
		r.pullTimeout = d
	}
}

// WithComposeBinary overrides the compose invocation, e.g. []string{"docker-compose"}.
func WithComposeBinary(binary ...string) ComposeOption {
	return func(r *ComposeRuntime) {
		if len(binary) > 0 {
			r.binary = binary
		}
	}
}

// NewComposeRuntime returns a Runtime for project.
func NewComposeRuntime(project Project, runner command.Runner, engine *DockerClient, logger zerolog.Logger, opts ...ComposeOption) (*ComposeRuntime, error) {
	if project.Name == "" {
		return nil, errors.New("compose project name is required")
	}
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if engine == nil {
		return nil, errors.New("docker client is required")
	}
	return newComposeRuntime(project, runner, engine, logger, opts...), nil
}

func newComposeRuntime(project Project, runner command.Runner, engine engine, logger zerolog.Logger, opts ...ComposeOption) *ComposeRuntime {
	r := &ComposeRuntime{
		project: project,
		runner:  runner,
		engine:  engine,
		logger:  logger.With().Str("project", project.Name).Logger(),
		binary:  []string{"docker", "compose"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping implements Runtime.
func (r *ComposeRuntime) Ping(ctx context.Context) error {
	if err := r.engine.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// PullImages implements Runtime.
func (r *ComposeRuntime) PullImages(ctx context.Context) error {
	cmd := r.cmd("pull", "--quiet")
	cmd.Timeout = r.pullTimeout
	return r.run(ctx, "pull images", cmd)
}

// Down implements Runtime.
func (r *ComposeRuntime) Down(ctx context.Context) error {
	return r.run(ctx, "stop containers", r.cmd("down", "--remove-orphans"))
}

// Up implements Runtime.
func (r *ComposeRuntime) Up(ctx context.Context) error {
	return r.run(ctx, "start containers", r.cmd("up", "-d", "--remove-orphans"))
}

// PS implements Runtime.
func (r *ComposeRuntime) PS(ctx context.Context) ([]ContainerState, error) {
	return r.engine.ProjectContainers(ctx, r.project.Name)
}

// PruneImages implements Runtime.
func (r *ComposeRuntime) PruneImages(ctx context.Context) (PruneReport, error) {
	report, err := r.engine.PruneImages(ctx)
	if err != nil {
		return report, err
	}
	r.logger.Info().
		Int("images_deleted", report.ImagesDeleted).
		Uint64("space_reclaimed", report.SpaceReclaimed).
		Msg("pruned images")
	return report, nil
}

func (r *ComposeRuntime) run(ctx context.Context, action string, cmd command.Cmd) error {
	result, err := command.MustSucceed(ctx, r.runner, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	r.logger.Debug().Str("action", action).Dur("duration", result.Duration).Msg("compose command finished")
	return nil
}

func (r *ComposeRuntime) cmd(args ...string) command.Cmd {
	full := append([]string{}, r.binary[1:]...)
	full = append(full, "-p", r.project.Name)
	for _, file := range r.project.Files {
		full = append(full, "-f", file)
	}
	full = append(full, args...)

	cmd := command.New(r.binary[0], full...)
	cmd.Dir = r.project.Dir
	return cmd
}
