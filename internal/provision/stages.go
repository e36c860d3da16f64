package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/hostkeeper/internal/atomicfile"
	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/daemonconfig"
	"github.com/nholik/hostkeeper/internal/fstab"
)

// format erases the device and creates one filesystem spanning it.
func (e *Engine) format(ctx context.Context, plan Plan) (Plan, error) {
	dev := plan.Device.Path

	// The device may be unpartitioned or already unmounted.
	for _, part := range plan.Device.Partitions {
		if part.MountPoint == "" {
			continue
		}
		result, err := e.runner.Run(ctx, command.New("umount", part.Path))
		if err != nil || !result.OK() {
			e.logger.Warn().
				Err(err).
				Str("partition", part.Path).
				Int("exit_code", result.ExitCode).
				Msg("pre-format unmount failed, continuing")
		}
	}

	if _, err := command.MustSucceed(ctx, e.runner, command.New("wipefs", "-a", dev)); err != nil {
		return plan, fmt.Errorf("wipe signatures: %w", err)
	}
	if _, err := command.MustSucceed(ctx, e.runner, command.New(
		"parted", "-s", dev, "mklabel", "gpt", "mkpart", "primary", plan.FSType, "0%", "100%",
	)); err != nil {
		return plan, fmt.Errorf("write partition table: %w", err)
	}
	if err := e.waitForPartition(ctx, dev, plan.Partition); err != nil {
		return plan, err
	}

	args, err := mkfsArgs(plan.FSType, plan.Label, plan.UUID, plan.Partition)
	if err != nil {
		return plan, err
	}
	if _, err := command.MustSucceed(ctx, e.runner, command.New("mkfs."+plan.FSType, args...)); err != nil {
		return plan, fmt.Errorf("create filesystem: %w", err)
	}
	return plan, nil
}

// waitForPartition asks the kernel to re-read the partition table until the partition
// node shows up or the attempts are spent.
func (e *Engine) waitForPartition(ctx context.Context, dev, partition string) error {
	attempt := 0
	operation := func() error {
		attempt++
		if _, err := e.runner.Run(ctx, command.New("partprobe", dev)); err != nil {
			e.logger.Debug().Err(err).Msg("partprobe failed")
		}
		if e.querier.PartitionExists(ctx, partition) {
			return nil
		}
		return fmt.Errorf("partition %s not visible", partition)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.PartitionWaitInterval), uint64(e.cfg.PartitionWaitAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("wait for partition after %d attempts: %w", attempt, err)
	}
	e.logger.Debug().Str("partition", partition).Int("attempts", attempt).Msg("partition visible")
	return nil
}

// mount attaches the new filesystem and checks it is the one just created.
func (e *Engine) mount(ctx context.Context, plan Plan) (Plan, error) {
	if err := os.MkdirAll(plan.MountPoint, 0o755); err != nil {
		return plan, fmt.Errorf("create mount point: %w", err)
	}

	current, err := e.querier.SourceOf(ctx, plan.MountPoint)
	if err != nil {
		return plan, err
	}
	if current != "" {
		e.logger.Info().Str("source", current).Str("mount_point", plan.MountPoint).Msg("unmounting previous filesystem")
		if _, err := command.MustSucceed(ctx, e.runner, command.New("umount", plan.MountPoint)); err != nil {
			return plan, fmt.Errorf("unmount previous filesystem: %w", err)
		}
	}

	mountArgs := []string{"-t", plan.FSType}
	if plan.MountOptions != "" {
		mountArgs = append(mountArgs, "-o", plan.MountOptions)
	}
	mountArgs = append(mountArgs, plan.Partition, plan.MountPoint)
	if _, err := command.MustSucceed(ctx, e.runner, command.New("mount", mountArgs...)); err != nil {
		return plan, fmt.Errorf("mount filesystem: %w", err)
	}

	got, err := e.querier.UUIDOf(ctx, plan.Partition)
	if err != nil {
		return plan, err
	}
	if !strings.EqualFold(got, plan.UUID) {
		return plan, fmt.Errorf("filesystem uuid mismatch: expected %s, got %q", plan.UUID, got)
	}
	return plan, nil
}

// persist records the mount in the static mount table.
func (e *Engine) persist(_ context.Context, plan Plan) (Plan, error) {
	backup, err := atomicfile.Backup(e.cfg.FstabPath, e.cfg.BackupDir, e.now())
	if err != nil {
		return plan, fmt.Errorf("backup mount table: %w", err)
	}
	plan.FstabBackup = backup

	entry := fstab.ForUUID(plan.UUID, plan.MountPoint, plan.FSType, plan.MountOptions)
	if err := fstab.Upsert(e.cfg.FstabPath, entry); err != nil {
		return plan, err
	}

	if _, err := atomicfile.Prune(e.cfg.BackupDir, filepath.Base(e.cfg.FstabPath)+".", e.cfg.KeepBackups); err != nil {
		e.logger.Warn().Err(err).Msg("failed to prune mount table backups")
	}
	return plan, nil
}

// reconfigureRuntime points the container runtime at the new data root.
func (e *Engine) reconfigureRuntime(ctx context.Context, plan Plan) (Plan, error) {
	if err := os.MkdirAll(plan.DataRoot, 0o711); err != nil {
		return plan, fmt.Errorf("create data root: %w", err)
	}

	applied, err := daemonconfig.Apply(e.cfg.DaemonConfigPath, e.cfg.BackupDir, daemonconfig.StorageConfig{
		DataRoot:      plan.DataRoot,
		StorageDriver: e.cfg.StorageDriver,
	}, e.cfg.KeepBackups, e.now())
	if err != nil {
		return plan, err
	}
	plan.ConfigBackup = applied.Backup
	if applied.PruneErr != nil {
		e.logger.Warn().Err(applied.PruneErr).Msg("failed to prune daemon config backups")
	}

	if len(e.cfg.RestartCommand) > 0 {
		restart := command.New(e.cfg.RestartCommand[0], e.cfg.RestartCommand[1:]...)
		if _, err := command.MustSucceed(ctx, e.runner, restart); err != nil {
			return plan, fmt.Errorf("restart container runtime: %w", err)
		}
	}
	return plan, nil
}

func mkfsArgs(fsType, label, fsUUID, partition string) ([]string, error) {
	switch fsType {
	case "ext2", "ext3", "ext4":
		return []string{"-F", "-L", label, "-U", fsUUID, partition}, nil
	case "xfs":
		return []string{"-f", "-L", label, "-m", "uuid=" + fsUUID, partition}, nil
	case "btrfs":
		return []string{"-f", "-L", label, "-U", fsUUID, partition}, nil
	case "":
		return nil, errors.New("filesystem type is required")
	default:
		return nil, fmt.Errorf("unsupported filesystem type %q", fsType)
	}
}
