package blockdev

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/docker/go-units"
)

// DefaultPattern matches whole-disk device paths that may carry container storage.
const DefaultPattern = `^/dev/(sd[a-z]+|nvme[0-9]+n[0-9]+|vd[a-z]+)$`

// Partition is a child of a block device.
type Partition struct {
	Path       string
	FSType     string
	MountPoint string
}

// BlockDevice is a whole-disk provisioning candidate.
type BlockDevice struct {
	Path         string
	Size         uint64
	Model        string
	FSType       string
	IsBootDevice bool
	Partitions   []Partition
}

// InUse reports whether the device already carries a filesystem or partitions.
func (d BlockDevice) InUse() bool {
	return d.FSType != "" || len(d.Partitions) > 0
}

// HumanSize renders Size with decimal units, e.g. "1TB".
func (d BlockDevice) HumanSize() string {
	return units.HumanSize(float64(d.Size))
}

func (d BlockDevice) String() string {
	parts := []string{d.HumanSize()}
	if d.Model != "" {
		parts = append(parts, d.Model)
	}
	if d.InUse() {
		parts = append(parts, "in use")
	}
	return fmt.Sprintf("%s (%s)", d.Path, strings.Join(parts, ", "))
}

// Enumerate lists whole disks matching pattern and flags the one backing the root filesystem.
// It returns the resolved root source alongside the devices.
func Enumerate(ctx context.Context, q Querier, pattern *regexp.Regexp) ([]BlockDevice, string, error) {
	rootSource, err := q.SourceOf(ctx, "/")
	if err != nil {
		return nil, "", err
	}
	devices, err := q.List(ctx)
	if err != nil {
		return nil, rootSource, err
	}
	return FromDevices(devices, pattern, rootSource), rootSource, nil
}

// FromDevices converts lsblk output to BlockDevices of type disk whose path matches pattern.
// IsBootDevice is set when the device path is a prefix of rootSource or one of its
// partitions is mounted at "/".
func FromDevices(devices []Device, pattern *regexp.Regexp, rootSource string) []BlockDevice {
	result := make([]BlockDevice, 0, len(devices))
	for _, dev := range devices {
		if dev.Type != "disk" {
			continue
		}
		if pattern != nil && !pattern.MatchString(dev.Name) {
			continue
		}

		bd := BlockDevice{
			Path:   dev.Name,
			Size:   uint64(dev.Size),
			Model:  strings.TrimSpace(dev.Model),
			FSType: dev.FSType,
		}
		if rootSource != "" && strings.HasPrefix(rootSource, bd.Path) {
			bd.IsBootDevice = true
		}
		if dev.MountPoint == "/" {
			bd.IsBootDevice = true
		}
		for _, child := range flatten(dev.Children) {
			bd.Partitions = append(bd.Partitions, Partition{
				Path:       child.Name,
				FSType:     child.FSType,
				MountPoint: child.MountPoint,
			})
			if child.MountPoint == "/" {
				bd.IsBootDevice = true
			}
		}
		result = append(result, bd)
	}
	return result
}

// Candidates drops boot devices.
func Candidates(devices []BlockDevice) []BlockDevice {
	result := make([]BlockDevice, 0, len(devices))
	for _, dev := range devices {
		if dev.IsBootDevice {
			continue
		}
		result = append(result, dev)
	}
	return result
}

// PartitionPath returns the device node of partition n on device,
// e.g. /dev/sda1 or /dev/nvme0n1p1.
func PartitionPath(device string, n int) string {
	if device == "" {
		return ""
	}
	last := rune(device[len(device)-1])
	if unicode.IsDigit(last) {
		return device + "p" + strconv.Itoa(n)
	}
	return device + strconv.Itoa(n)
}

func flatten(devices []Device) []Device {
	var out []Device
	for _, dev := range devices {
		out = append(out, dev)
		out = append(out, flatten(dev.Children)...)
	}
	return out
}
