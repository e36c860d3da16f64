package blockdev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nholik/hostkeeper/internal/command"
)

// Devices is the top-level lsblk JSON document.
type Devices struct {
	BlockDevices []Device `json:"blockdevices"`
}

// Device is one lsblk node.
type Device struct {
	Name       string   `json:"name"`
	Size       Size     `json:"size"`
	Type       string   `json:"type"`
	FSType     string   `json:"fstype"`
	MountPoint string   `json:"mountpoint"`
	Model      string   `json:"model"`
	Children   []Device `json:"children"`
}

// Size accepts lsblk sizes printed either as JSON numbers or as strings.
type Size uint64

func (s *Size) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	if raw == "" {
		*s = 0
		return nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", raw, err)
	}
	*s = Size(value)
	return nil
}

// Querier answers block-device questions about the host.
type Querier interface {
	// List returns the block device tree.
	List(ctx context.Context) ([]Device, error)
	// SourceOf returns the device mounted at mountPoint, or "" when nothing is mounted there.
	SourceOf(ctx context.Context, mountPoint string) (string, error)
	// UUIDOf returns the filesystem UUID of a device node.
	UUIDOf(ctx context.Context, device string) (string, error)
	// PartitionExists reports whether the kernel exposes the device node.
	PartitionExists(ctx context.Context, device string) bool
}

// LsblkQuerier implements Querier with util-linux tools run through a command.Runner.
type LsblkQuerier struct {
	runner command.Runner
}

// NewLsblkQuerier returns a Querier backed by lsblk, findmnt and blkid.
func NewLsblkQuerier(runner command.Runner) *LsblkQuerier {
	return &LsblkQuerier{runner: runner}
}

// List implements Querier.
func (q *LsblkQuerier) List(ctx context.Context) ([]Device, error) {
	out, err := command.Output(ctx, q.runner, command.New("lsblk", "-J", "-b", "-p", "-o", "NAME,SIZE,TYPE,FSTYPE,MOUNTPOINT,MODEL"))
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	return ParseLsblk([]byte(out))
}

// SourceOf implements Querier.
func (q *LsblkQuerier) SourceOf(ctx context.Context, mountPoint string) (string, error) {
	result, err := q.runner.Run(ctx, command.New("findmnt", "-n", "-o", "SOURCE", "--mountpoint", mountPoint))
	if err != nil {
		return "", fmt.Errorf("resolve source of %s: %w", mountPoint, err)
	}
	// findmnt exits 1 when nothing is mounted at the path.
	if result.ExitCode == 1 {
		return "", nil
	}
	if result.ExitCode != 0 {
		return "", &command.CommandFailed{
			Command:  result.Command,
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(string(result.Stderr)),
		}
	}
	return normalizeSource(string(result.Stdout)), nil
}

// UUIDOf implements Querier.
func (q *LsblkQuerier) UUIDOf(ctx context.Context, device string) (string, error) {
	out, err := command.Output(ctx, q.runner, command.New("blkid", "-p", "-s", "UUID", "-o", "value", device))
	if err != nil {
		return "", fmt.Errorf("read uuid of %s: %w", device, err)
	}
	return out, nil
}

// PartitionExists implements Querier.
func (q *LsblkQuerier) PartitionExists(ctx context.Context, device string) bool {
	result, err := q.runner.Run(ctx, command.New("lsblk", "-n", "-o", "NAME", device))
	return err == nil && result.ExitCode == 0
}

// ParseLsblk decodes `lsblk -J` output.
func ParseLsblk(data []byte) ([]Device, error) {
	var devices Devices
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}
	return devices.BlockDevices, nil
}

// normalizeSource strips btrfs subvolume suffixes and resolves symlinks such as /dev/root.
func normalizeSource(raw string) string {
	source := strings.TrimSpace(raw)
	if idx := strings.Index(source, "["); idx > 0 {
		source = source[:idx]
	}
	if resolved, err := filepath.EvalSymlinks(source); err == nil {
		return resolved
	}
	return source
}
