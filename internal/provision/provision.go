// Package provision formats a spare block device for container storage, mounts it
// persistently and points the container runtime's data root at it.
package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/hostkeeper/internal/blockdev"
	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/rs/zerolog"
)

// Stage names reported in *pipeline.StageError.
const (
	StageFormat  = "format"
	StageMount   = "mount"
	StagePersist = "persist"
	StageRuntime = "runtime"
)

// Status is the terminal state of a provisioning run.
type Status string

const (
	StatusProvisioned Status = "provisioned"
	StatusSkipped     Status = "skipped"
	StatusCancelled   Status = "cancelled"
)

// ErrAmbiguousSelection is returned when several candidates exist and no selector was supplied.
var ErrAmbiguousSelection = errors.New("multiple candidate devices and no selection supplied")

// Config holds everything the engine needs about the host. It is passed by value.
type Config struct {
	DevicePattern         string
	MountPoint            string
	DataRoot              string
	FSType                string
	Label                 string
	MountOptions          string
	StorageDriver         string
	FstabPath             string
	DaemonConfigPath      string
	BackupDir             string
	KeepBackups           int
	ConfirmToken          string
	PartitionWaitAttempts int
	PartitionWaitInterval time.Duration
	RestartCommand        []string
}

// DefaultConfig returns the settings used on a stock edge host.
func DefaultConfig() Config {
	return Config{
		DevicePattern:         blockdev.DefaultPattern,
		MountPoint:            "/mnt/docker-data",
		DataRoot:              "/mnt/docker-data/docker",
		FSType:                "ext4",
		Label:                 "docker-data",
		MountOptions:          "defaults,noatime",
		StorageDriver:         "overlay2",
		FstabPath:             "/etc/fstab",
		DaemonConfigPath:      "/etc/docker/daemon.json",
		BackupDir:             "/var/backups/hostkeeper",
		KeepBackups:           10,
		ConfirmToken:          "FORMAT",
		PartitionWaitAttempts: 10,
		PartitionWaitInterval: time.Second,
		RestartCommand:        []string{"systemctl", "restart", "docker"},
	}
}

// Selector picks one of several candidates and returns its index.
type Selector func(candidates []blockdev.BlockDevice) (int, error)

// Confirmation carries the two operator signals required before formatting.
type Confirmation struct {
	Consent bool
	Token   string
}

// Confirmer asks the operator whether device may be erased.
type Confirmer func(device blockdev.BlockDevice) (Confirmation, error)

// Options are the per-invocation decision providers.
type Options struct {
	Selector  Selector
	Confirmer Confirmer
}

// Plan is the state threaded through the provisioning stages.
type Plan struct {
	Device       blockdev.BlockDevice
	Partition    string
	Label        string
	UUID         string
	FSType       string
	MountOptions string
	MountPoint   string
	DataRoot     string
	FstabBackup  string
	ConfigBackup string
}

// Result reports the outcome of Provision.
type Result struct {
	Status       Status
	Device       string
	MountPoint   string
	DataRoot     string
	UUID         string
	ConfigBackup string
	FstabBackup  string
	Stages       []pipeline.Record
}

// Engine runs the provisioning state machine.
type Engine struct {
	cfg     Config
	pattern *regexp.Regexp
	runner  command.Runner
	querier blockdev.Querier
	locker  lock.Locker
	logger  zerolog.Logger
	now     func() time.Time
	newUUID func() uuid.UUID
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocker overrides the advisory lock.
func WithLocker(locker lock.Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithUUIDSource overrides filesystem UUID generation.
func WithUUIDSource(fn func() uuid.UUID) Option {
	return func(e *Engine) {
		e.newUUID = fn
	}
}

// New validates cfg and returns an Engine that runs external tools through runner.
func New(cfg Config, runner command.Runner, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if cfg.DevicePattern == "" {
		cfg.DevicePattern = blockdev.DefaultPattern
	}
	pattern, err := regexp.Compile(cfg.DevicePattern)
	if err != nil {
		return nil, fmt.Errorf("compile device pattern: %w", err)
	}
	if cfg.MountPoint == "" {
		return nil, errors.New("mount point is required")
	}
	if cfg.DataRoot == "" {
		return nil, errors.New("data root is required")
	}
	if cfg.ConfirmToken == "" {
		return nil, errors.New("confirmation token is required")
	}
	if _, err := mkfsArgs(cfg.FSType, "", "", ""); err != nil {
		return nil, err
	}
	if cfg.PartitionWaitAttempts <= 0 {
		cfg.PartitionWaitAttempts = 1
	}

	e := &Engine{
		cfg:     cfg,
		pattern: pattern,
		runner:  runner,
		querier: blockdev.NewLsblkQuerier(runner),
		locker:  lock.NewNoOpLocker(),
		logger:  logger.With().Str("engine", "provision").Logger(),
		now:     time.Now,
		newUUID: uuid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Discover returns the devices eligible for provisioning. The device backing the root
// filesystem is never among them.
func (e *Engine) Discover(ctx context.Context) ([]blockdev.BlockDevice, error) {
	devices, rootSource, err := blockdev.Enumerate(ctx, e.querier, e.pattern)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	candidates := blockdev.Candidates(devices)
	e.logger.Info().
		Str("root_source", rootSource).
		Int("devices", len(devices)).
		Int("candidates", len(candidates)).
		Msg("discovered block devices")
	return candidates, nil
}

// Select picks the target among candidates. A single candidate is chosen automatically.
func (e *Engine) Select(candidates []blockdev.BlockDevice, selector Selector) (blockdev.BlockDevice, error) {
	switch {
	case len(candidates) == 0:
		return blockdev.BlockDevice{}, errors.New("no candidate devices")
	case len(candidates) == 1:
		return candidates[0], nil
	case selector == nil:
		return blockdev.BlockDevice{}, ErrAmbiguousSelection
	}

	idx, err := selector(candidates)
	if err != nil {
		return blockdev.BlockDevice{}, fmt.Errorf("select device: %w", err)
	}
	if idx < 0 || idx >= len(candidates) {
		return blockdev.BlockDevice{}, fmt.Errorf("select device: index %d out of range (%d candidates)", idx, len(candidates))
	}
	return candidates[idx], nil
}

// Confirmed reports whether c authorizes formatting.
func (e *Engine) Confirmed(c Confirmation) bool {
	return c.Consent && c.Token == e.cfg.ConfirmToken
}

// Provision runs Discover, Select, Confirm and then the format, mount, persist and
// runtime stages. Host state is untouched unless both confirmation signals are given.
func (e *Engine) Provision(ctx context.Context, opts Options) (Result, error) {
	lk, err := e.locker.AcquireLock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire provision lock: %w", err)
	}
	defer func() {
		if releaseErr := lk.Release(); releaseErr != nil {
			e.logger.Warn().Err(releaseErr).Msg("failed to release provision lock")
		}
	}()

	candidates, err := e.Discover(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		e.logger.Info().Msg("no candidate devices, nothing to provision")
		return Result{Status: StatusSkipped}, nil
	}

	device, err := e.Select(candidates, opts.Selector)
	if err != nil {
		return Result{}, err
	}
	logger := e.logger.With().Str("device", device.Path).Logger()
	if device.InUse() {
		logger.Warn().Str("fstype", device.FSType).Int("partitions", len(device.Partitions)).Msg("selected device already holds data")
	}

	if opts.Confirmer == nil {
		logger.Warn().Msg("no confirmation provider, cancelling")
		return Result{Status: StatusCancelled, Device: device.Path}, nil
	}
	confirmation, err := opts.Confirmer(device)
	if err != nil {
		return Result{}, fmt.Errorf("confirm format: %w", err)
	}
	if !e.Confirmed(confirmation) {
		logger.Warn().Bool("consent", confirmation.Consent).Msg("format not confirmed, cancelling")
		return Result{Status: StatusCancelled, Device: device.Path}, nil
	}

	plan := Plan{
		Device:       device,
		Partition:    blockdev.PartitionPath(device.Path, 1),
		Label:        e.cfg.Label,
		UUID:         e.newUUID().String(),
		FSType:       e.cfg.FSType,
		MountOptions: e.cfg.MountOptions,
		MountPoint:   e.cfg.MountPoint,
		DataRoot:     e.cfg.DataRoot,
	}
	logger.Info().
		Str("partition", plan.Partition).
		Str("uuid", plan.UUID).
		Str("mount_point", plan.MountPoint).
		Msg("provisioning device")

	final, records, err := pipeline.Run(ctx, logger, plan, e.stages())
	result := Result{
		Device:       final.Device.Path,
		MountPoint:   final.MountPoint,
		DataRoot:     final.DataRoot,
		UUID:         final.UUID,
		ConfigBackup: final.ConfigBackup,
		FstabBackup:  final.FstabBackup,
		Stages:       records,
	}
	if err != nil {
		return result, err
	}
	result.Status = StatusProvisioned
	logger.Info().Str("data_root", result.DataRoot).Msg("device provisioned")
	return result, nil
}

func (e *Engine) stages() []pipeline.Stage[Plan] {
	return []pipeline.Stage[Plan]{
		{Name: StageFormat, Run: e.format},
		{Name: StageMount, Run: e.mount},
		{Name: StagePersist, Run: e.persist},
		{Name: StageRuntime, Run: e.reconfigureRuntime},
	}
}
