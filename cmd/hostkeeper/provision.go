package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nholik/hostkeeper/internal/blockdev"
	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/urfave/cli/v2"
)

func (h *hostkeeperCLI) provisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision",
		Usage: "format a spare disk and move the container data root onto it",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "select", Usage: "pick candidate `N` (1-based) when several disks qualify"},
			&cli.BoolFlag{Name: "yes", Usage: "consent to erasing the selected disk"},
			&cli.StringFlag{Name: "confirm", Usage: "confirmation `TOKEN`, must match HK_CONFIRM_TOKEN"},
			&cli.BoolFlag{Name: "list", Usage: "print candidate disks and exit"},
		},
		OnUsageError: onUsageError,
		Action:       h.provision,
	}
}

func (h *hostkeeperCLI) provision(c *cli.Context) error {
	if err := h.setup(); err != nil {
		return err
	}
	if c.Int("select") < 0 {
		return &usageError{err: errors.New("--select must be a positive candidate number")}
	}

	execRunner := command.NewExecRunner(h.logger, h.cfg.CommandTimeout)
	engine, err := provision.New(h.cfg.Provision, execRunner, h.logger,
		provision.WithLocker(lock.NewFileLocker(h.cfg.ProvisionLockPath())))
	if err != nil {
		return &usageError{err: fmt.Errorf("configure provision: %w", err)}
	}

	if c.Bool("list") {
		candidates, err := engine.Discover(c.Context)
		if err != nil {
			return err
		}
		printCandidates(h.stdout, candidates)
		return nil
	}

	reporter, err := h.reporter(nil)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := engine.Provision(c.Context, provision.Options{
		Selector:  h.selector(c.Int("select")),
		Confirmer: h.confirmer(c.Bool("yes"), c.String("confirm")),
	})
	if errors.Is(err, lock.ErrBusy) {
		return err
	}
	if reportErr := reporter.RecordProvision(c.Context, started, result, err); reportErr != nil {
		h.logger.Warn().Err(reportErr).Msg("post-provision reporting incomplete")
	}
	if err != nil {
		return err
	}

	printProvision(h.stdout, result)
	if result.Status == provision.StatusCancelled {
		return errCancelled
	}
	return nil
}

// selector returns the 1-based choice from --select, or asks on stdin when none was given.
func (h *hostkeeperCLI) selector(choice int) provision.Selector {
	return func(candidates []blockdev.BlockDevice) (int, error) {
		if choice > 0 {
			return choice - 1, nil
		}
		printCandidates(h.stdout, candidates)
		answer, err := h.prompt(fmt.Sprintf("Select a disk [1-%d]: ", len(candidates)))
		if err != nil {
			return 0, err
		}
		if answer == "" {
			return 0, provision.ErrAmbiguousSelection
		}
		n, err := strconv.Atoi(answer)
		if err != nil {
			return 0, fmt.Errorf("invalid selection %q", answer)
		}
		return n - 1, nil
	}
}

// confirmer combines --yes and --confirm with interactive prompts for whichever is missing.
func (h *hostkeeperCLI) confirmer(yes bool, token string) provision.Confirmer {
	return func(device blockdev.BlockDevice) (provision.Confirmation, error) {
		conf := provision.Confirmation{Consent: yes, Token: token}
		fmt.Fprintf(h.stdout, "Selected %s. All data on it will be erased.\n", device)

		if !conf.Consent {
			answer, err := h.prompt("Proceed? [y/N]: ")
			if err != nil {
				return conf, err
			}
			conf.Consent = strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
			if !conf.Consent {
				return conf, nil
			}
		}
		if conf.Token == "" {
			answer, err := h.prompt(fmt.Sprintf("Type %s to confirm: ", h.cfg.Provision.ConfirmToken))
			if err != nil {
				return conf, err
			}
			conf.Token = answer
		}
		return conf, nil
	}
}
