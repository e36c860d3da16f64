package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/nholik/hostkeeper/internal/config"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/logging"
	"github.com/nholik/hostkeeper/internal/metrics"
	"github.com/nholik/hostkeeper/internal/notify"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/nholik/hostkeeper/internal/runner"
	"github.com/nholik/hostkeeper/internal/state"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	exitBusy  = 3
)

var errCancelled = errors.New("provisioning cancelled")

// usageError marks failures caused by invalid flags or configuration.
type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

func (e *usageError) Unwrap() error {
	return e.err
}

type hostkeeperCLI struct {
	stdin      *bufio.Reader
	stdout     io.Writer
	cfg        config.Config
	logger     zerolog.Logger
	loadConfig func() (config.Config, error)
}

func newCLI(stdin io.Reader, stdout io.Writer) *hostkeeperCLI {
	return &hostkeeperCLI{
		stdin:      bufio.NewReader(stdin),
		stdout:     stdout,
		logger:     logging.New(),
		loadConfig: config.Load,
	}
}

func (h *hostkeeperCLI) run(ctx context.Context, args []string) int {
	err := h.app().RunContext(ctx, args)
	code := exitCode(err)
	switch code {
	case exitOK:
	case exitBusy:
		h.logger.Warn().Err(err).Msg("another invocation is running")
	default:
		h.logger.Error().Err(err).Int("exit_code", code).Msg("hostkeeper failed")
	}
	return code
}

func (h *hostkeeperCLI) app() *cli.App {
	return &cli.App{
		Name:           "hostkeeper",
		Usage:          "provision container storage and keep a compose deployment up to date",
		Writer:         h.stdout,
		ExitErrHandler: func(*cli.Context, error) {},
		OnUsageError:   onUsageError,
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return &usageError{err: fmt.Errorf("unknown command %q", c.Args().First())}
			}
			if err := cli.ShowAppHelp(c); err != nil {
				return err
			}
			return &usageError{err: errors.New("a command is required")}
		},
		Commands: []*cli.Command{
			h.provisionCommand(),
			h.updateCommand(),
			h.watchCommand(),
		},
	}
}

func onUsageError(_ *cli.Context, err error, _ bool) error {
	return &usageError{err: err}
}

// setup loads configuration and replaces the bootstrap logger.
func (h *hostkeeperCLI) setup() error {
	cfg, err := h.loadConfig()
	if err != nil {
		return &usageError{err: fmt.Errorf("load config: %w", err)}
	}
	if cfg.Update.Project == "" && cfg.Update.DeployDir != "" {
		cfg.Update.Project = filepath.Base(filepath.Clean(cfg.Update.DeployDir))
	}
	h.cfg = cfg

	if cfg.LogPretty {
		h.logger = logging.NewPretty(cfg.LogLevel)
	} else {
		h.logger = logging.NewWithLevel(cfg.LogLevel)
	}
	return nil
}

// reporter builds the post-run side effects. A nil collector gets a fresh registry used
// only for the textfile export.
func (h *hostkeeperCLI) reporter(collector *metrics.Metrics) (*runner.Reporter, error) {
	notifier, err := buildNotifier(h.cfg, h.logger)
	if err != nil {
		return nil, &usageError{err: err}
	}
	if collector == nil {
		collector = metrics.New()
	}

	opts := []runner.ReporterOption{
		runner.WithNotifier(notifier),
		runner.WithMetrics(collector, h.cfg.MetricsTextfile),
		runner.WithIdentity(h.cfg.Update.Project, h.cfg.HostName),
	}
	if h.cfg.StateFile != "" {
		opts = append(opts, runner.WithStateStore(state.NewFileStore(h.cfg.StateFile, h.logger)))
	}
	return runner.NewReporter(h.logger, opts...), nil
}

func buildNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	var targets []notify.Notifier
	if cfg.Notify.SlackWebhookURL != "" {
		targets = append(targets, notify.NewSlackNotifier(logger, cfg.Notify.SlackWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(logger, cfg.Notify.WebhookURL, cfg.Notify.WebhookTemplate)
		if err != nil {
			return nil, fmt.Errorf("configure webhook: %w", err)
		}
		targets = append(targets, webhook)
	}

	var notifier notify.Notifier
	switch len(targets) {
	case 0:
		notifier = notify.NewNoop(logger, "no notification targets configured")
	case 1:
		notifier = targets[0]
	default:
		notifier = notify.NewMultiNotifier(targets...)
	}
	if cfg.Notify.DryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier, nil
}

// prompt writes question and returns the trimmed answer. End of input yields "".
func (h *hostkeeperCLI) prompt(question string) (string, error) {
	fmt.Fprint(h.stdout, question)
	line, err := h.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func exitCode(err error) int {
	var usage *usageError
	var coder cli.ExitCoder
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, lock.ErrBusy):
		return exitBusy
	case errors.As(err, &usage), errors.Is(err, provision.ErrAmbiguousSelection):
		return exitUsage
	case errors.As(err, &coder):
		return coder.ExitCode()
	default:
		return exitError
	}
}
