package provision

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/hostkeeper/internal/blockdev"
	"github.com/nholik/hostkeeper/internal/command"
	"github.com/nholik/hostkeeper/internal/command/commandtest"
	"github.com/nholik/hostkeeper/internal/fstab"
	"github.com/nholik/hostkeeper/internal/lock"
	"github.com/nholik/hostkeeper/internal/pipeline"
	"github.com/rs/zerolog"
)

const rootAndSpare = `{"blockdevices":[
  {"name":"/dev/sda","size":64023257088,"type":"disk","fstype":null,"mountpoint":null,"model":"SD Card","children":[
    {"name":"/dev/sda1","size":536870912,"type":"part","fstype":"vfat","mountpoint":"/boot/firmware"},
    {"name":"/dev/sda2","size":63485329408,"type":"part","fstype":"ext4","mountpoint":"/"}
  ]},
  {"name":"/dev/sdb","size":500107862016,"type":"disk","fstype":null,"mountpoint":null,"model":"USB Disk"}
]}`

const rootOnly = `{"blockdevices":[
  {"name":"/dev/sda","size":64023257088,"type":"disk","children":[
    {"name":"/dev/sda2","size":63485329408,"type":"part","fstype":"ext4","mountpoint":"/"}
  ]}
]}`

const rootAndTwoSpares = `{"blockdevices":[
  {"name":"/dev/sda","size":64023257088,"type":"disk","children":[
    {"name":"/dev/sda2","size":63485329408,"type":"part","fstype":"ext4","mountpoint":"/"}
  ]},
  {"name":"/dev/sdb","size":500107862016,"type":"disk","model":"USB Disk"},
  {"name":"/dev/sdc","size":1000204886016,"type":"disk","model":"Old Disk","children":[
    {"name":"/dev/sdc1","size":1000204886016,"type":"part","fstype":"ntfs","mountpoint":"/media/old"}
  ]}
]}`

const originalFstab = "# static mounts\nPARTUUID=aa-02 / ext4 defaults,noatime 0 1\n"
const originalDaemon = "{\n  \"log-driver\": \"journald\"\n}\n"

var fixedUUID = uuid.MustParse("2f9c1a4e-8b7d-4c2a-9e61-3d5b7f0a1c42")

type fixture struct {
	cfg    Config
	runner *commandtest.Fake
}

func newFixture(t *testing.T, lsblk string) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.MountPoint = filepath.Join(dir, "mnt", "docker-data")
	cfg.DataRoot = filepath.Join(cfg.MountPoint, "docker")
	cfg.FstabPath = filepath.Join(dir, "etc", "fstab")
	cfg.DaemonConfigPath = filepath.Join(dir, "etc", "docker", "daemon.json")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.PartitionWaitAttempts = 3
	cfg.PartitionWaitInterval = time.Millisecond

	writeFile(t, cfg.FstabPath, originalFstab)
	writeFile(t, cfg.DaemonConfigPath, originalDaemon)

	runner := commandtest.NewFake().
		On("findmnt -n -o SOURCE --mountpoint /", commandtest.Response{Stdout: "/dev/sda2\n"}).
		On("findmnt -n -o SOURCE --mountpoint "+cfg.MountPoint, commandtest.Response{ExitCode: 1}).
		On("lsblk -J", commandtest.Response{Stdout: lsblk}).
		On("blkid -p -s UUID -o value", commandtest.Response{Stdout: fixedUUID.String() + "\n"})

	return &fixture{cfg: cfg, runner: runner}
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithUUIDSource(func() uuid.UUID { return fixedUUID }),
		WithClock(func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }),
	}, opts...)
	engine, err := New(f.cfg, f.runner, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func confirmWith(consent bool, token string) Confirmer {
	return func(blockdev.BlockDevice) (Confirmation, error) {
		return Confirmation{Consent: consent, Token: token}, nil
	}
}

func TestDiscover_ExcludesRootDevice(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	candidates, err := f.engine(t).Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Path != "/dev/sdb" {
		t.Fatalf("expected only /dev/sdb, got %+v", candidates)
	}
}

func TestProvision_SkipsWithoutCandidates(t *testing.T) {
	f := newFixture(t, rootOnly)
	result, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if f.runner.Ran("wipefs") || f.runner.Ran("parted") {
		t.Fatalf("no device should be touched: %v", f.runner.Calls())
	}
}

func TestProvision_AmbiguousSelection(t *testing.T) {
	f := newFixture(t, rootAndTwoSpares)
	_, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if !errors.Is(err, ErrAmbiguousSelection) {
		t.Fatalf("expected ErrAmbiguousSelection, got %v", err)
	}
	if f.runner.Ran("parted") {
		t.Fatal("parted must not run")
	}
}

func TestProvision_CancelledWithoutBothSignals(t *testing.T) {
	tests := []struct {
		name      string
		confirmer Confirmer
	}{
		{name: "lowercase token", confirmer: confirmWith(true, "format")},
		{name: "no consent", confirmer: confirmWith(false, "FORMAT")},
		{name: "empty token", confirmer: confirmWith(true, "")},
		{name: "padded token", confirmer: confirmWith(true, " FORMAT")},
		{name: "no confirmer", confirmer: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, rootAndSpare)
			result, err := f.engine(t).Provision(context.Background(), Options{Confirmer: tt.confirmer})
			if err != nil {
				t.Fatalf("provision: %v", err)
			}
			if result.Status != StatusCancelled {
				t.Fatalf("expected cancelled, got %s", result.Status)
			}
			for _, prefix := range []string{"wipefs", "parted", "mkfs", "mount", "umount", "systemctl"} {
				if f.runner.Ran(prefix) {
					t.Fatalf("%s must not run after cancellation: %v", prefix, f.runner.Calls())
				}
			}
			if got := readFile(t, f.cfg.FstabPath); got != originalFstab {
				t.Fatalf("mount table changed: %q", got)
			}
			if got := readFile(t, f.cfg.DaemonConfigPath); got != originalDaemon {
				t.Fatalf("daemon config changed: %q", got)
			}
			if _, err := os.Stat(f.cfg.BackupDir); !os.IsNotExist(err) {
				t.Fatalf("expected no backups to be written")
			}
		})
	}
}

func TestProvision_Success(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	result, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	if result.Status != StatusProvisioned {
		t.Fatalf("expected provisioned, got %s", result.Status)
	}
	if result.Device != "/dev/sdb" || result.MountPoint != f.cfg.MountPoint || result.DataRoot != f.cfg.DataRoot {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.UUID != fixedUUID.String() {
		t.Fatalf("unexpected uuid %q", result.UUID)
	}
	if len(result.Stages) != 4 {
		t.Fatalf("expected 4 stage records, got %d", len(result.Stages))
	}

	order := []string{
		"wipefs -a /dev/sdb",
		"parted -s /dev/sdb mklabel gpt mkpart primary ext4 0% 100%",
		"partprobe /dev/sdb",
		"mkfs.ext4 -F -L docker-data -U " + fixedUUID.String() + " /dev/sdb1",
		"mount -t ext4 -o defaults,noatime /dev/sdb1 " + f.cfg.MountPoint,
		"blkid -p -s UUID -o value /dev/sdb1",
		"systemctl restart docker",
	}
	last := -1
	for _, prefix := range order {
		idx := f.runner.Index(prefix)
		if idx < 0 {
			t.Fatalf("expected %q to run, calls: %v", prefix, f.runner.Calls())
		}
		if idx < last {
			t.Fatalf("%q ran out of order, calls: %v", prefix, f.runner.Calls())
		}
		last = idx
	}
	if f.runner.Ran("umount") {
		t.Fatalf("nothing was mounted, umount must not run: %v", f.runner.Calls())
	}

	table := []byte(readFile(t, f.cfg.FstabPath))
	records := fstab.Lookup(table, f.cfg.MountPoint)
	if len(records) != 1 {
		t.Fatalf("expected one mount record, got %d:\n%s", len(records), table)
	}
	if records[0].Spec != "UUID="+fixedUUID.String() || records[0].Dump != 0 || records[0].Pass != 2 {
		t.Fatalf("unexpected mount record %+v", records[0])
	}
	if len(fstab.Lookup(table, "/")) != 1 {
		t.Fatalf("root record must be kept:\n%s", table)
	}
	if got := readFile(t, result.FstabBackup); got != originalFstab {
		t.Fatalf("mount table backup differs: %q", got)
	}

	if got := readFile(t, result.ConfigBackup); got != originalDaemon {
		t.Fatalf("config backup differs: %q", got)
	}
	var daemon map[string]string
	if err := json.Unmarshal([]byte(readFile(t, f.cfg.DaemonConfigPath)), &daemon); err != nil {
		t.Fatalf("decode daemon config: %v", err)
	}
	if daemon["data-root"] != f.cfg.DataRoot || daemon["storage-driver"] != "overlay2" || daemon["log-driver"] != "journald" {
		t.Fatalf("unexpected daemon config %v", daemon)
	}
	if info, err := os.Stat(f.cfg.DataRoot); err != nil || !info.IsDir() {
		t.Fatalf("expected data root directory, got %v", err)
	}
}

func TestProvision_RerunReplacesMountRecord(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	if _, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := uuid.MustParse("6a1d0c55-1b2e-4f3a-8c7d-9e0f1a2b3c4d")
	f.runner.
		On("findmnt -n -o SOURCE --mountpoint "+f.cfg.MountPoint, commandtest.Response{Stdout: "/dev/sdb1\n"}).
		On("blkid -p -s UUID -o value", commandtest.Response{Stdout: second.String() + "\n"})

	engine := f.engine(t, WithUUIDSource(func() uuid.UUID { return second }))
	result, err := engine.Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.UUID != second.String() {
		t.Fatalf("unexpected uuid %q", result.UUID)
	}
	if !f.runner.Ran("umount " + f.cfg.MountPoint) {
		t.Fatalf("expected previous mount to be released: %v", f.runner.Calls())
	}

	records := fstab.Lookup([]byte(readFile(t, f.cfg.FstabPath)), f.cfg.MountPoint)
	if len(records) != 1 || records[0].Spec != "UUID="+second.String() {
		t.Fatalf("expected single replaced record, got %+v", records)
	}
}

func TestProvision_SelectorAndBestEffortUnmount(t *testing.T) {
	f := newFixture(t, rootAndTwoSpares)
	f.runner.On("umount /dev/sdc1", commandtest.Response{ExitCode: 32, Stderr: "umount: /media/old: target is busy."})

	selector := func(candidates []blockdev.BlockDevice) (int, error) {
		for i, c := range candidates {
			if c.Path == "/dev/sdc" {
				return i, nil
			}
		}
		return -1, errors.New("not found")
	}
	result, err := f.engine(t).Provision(context.Background(), Options{
		Selector:  selector,
		Confirmer: confirmWith(true, "FORMAT"),
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.Device != "/dev/sdc" {
		t.Fatalf("expected /dev/sdc, got %s", result.Device)
	}
	if f.runner.Index("umount /dev/sdc1") > f.runner.Index("wipefs -a /dev/sdc") {
		t.Fatalf("expected unmount before wipe: %v", f.runner.Calls())
	}
}

func TestProvision_FormatFailureIsStageError(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	f.runner.On("parted", commandtest.Response{ExitCode: 1, Stderr: "Error: Partition(s) on /dev/sdb are being used."})

	result, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Status == StatusProvisioned {
		t.Fatal("must not report provisioned")
	}

	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageFormat {
		t.Fatalf("expected format stage error, got %v", err)
	}
	var failed *command.CommandFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailed cause, got %v", err)
	}
	if failed.ExitCode != 1 || !strings.Contains(failed.Stderr, "being used") {
		t.Fatalf("unexpected failure details %+v", failed)
	}
	if f.runner.Ran("mkfs") || f.runner.Ran("mount ") {
		t.Fatalf("later steps must not run: %v", f.runner.Calls())
	}
	if got := readFile(t, f.cfg.FstabPath); got != originalFstab {
		t.Fatalf("mount table changed: %q", got)
	}
}

func TestProvision_PartitionWaitIsBounded(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	f.runner.On("lsblk -n -o NAME /dev/sdb1", commandtest.Response{ExitCode: 32})

	_, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if pipeline.FailedStage(err) != StageFormat {
		t.Fatalf("expected format stage failure, got %v", err)
	}
	if got := f.runner.Count("partprobe"); got != 3 {
		t.Fatalf("expected 3 partprobe attempts, got %d", got)
	}
	if f.runner.Ran("mkfs") {
		t.Fatal("mkfs must not run before the partition appears")
	}
}

func TestProvision_UUIDMismatchFailsMount(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	f.runner.On("blkid", commandtest.Response{Stdout: "00000000-0000-0000-0000-000000000000\n"})

	_, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if pipeline.FailedStage(err) != StageMount {
		t.Fatalf("expected mount stage failure, got %v", err)
	}
	if got := readFile(t, f.cfg.FstabPath); got != originalFstab {
		t.Fatalf("mount table changed: %q", got)
	}
}

func TestProvision_RestartFailureIsRuntimeStage(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	f.runner.On("systemctl restart docker", commandtest.Response{ExitCode: 1, Stderr: "Job for docker.service failed"})

	_, err := f.engine(t).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if pipeline.FailedStage(err) != StageRuntime {
		t.Fatalf("expected runtime stage failure, got %v", err)
	}
}

func TestProvision_Busy(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	locker := lock.NewFileLocker(filepath.Join(t.TempDir(), "provision.lock"))
	held, err := locker.AcquireLock(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	_, err = f.engine(t, WithLocker(locker)).Provision(context.Background(), Options{Confirmer: confirmWith(true, "FORMAT")})
	if !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(f.runner.Calls()) != 0 {
		t.Fatalf("no commands should run while busy: %v", f.runner.Calls())
	}
}

func TestSelect(t *testing.T) {
	f := newFixture(t, rootAndSpare)
	engine := f.engine(t)
	candidates := []blockdev.BlockDevice{{Path: "/dev/sdb"}, {Path: "/dev/sdc"}}

	if _, err := engine.Select(candidates, nil); !errors.Is(err, ErrAmbiguousSelection) {
		t.Fatalf("expected ErrAmbiguousSelection, got %v", err)
	}
	if _, err := engine.Select(candidates, func([]blockdev.BlockDevice) (int, error) { return 2, nil }); err == nil {
		t.Fatal("expected out of range error")
	}
	got, err := engine.Select(candidates, func([]blockdev.BlockDevice) (int, error) { return 1, nil })
	if err != nil || got.Path != "/dev/sdc" {
		t.Fatalf("expected /dev/sdc, got %+v %v", got, err)
	}
	got, err = engine.Select(candidates[:1], nil)
	if err != nil || got.Path != "/dev/sdb" {
		t.Fatalf("expected auto-selection, got %+v %v", got, err)
	}
}

func TestNew_RejectsUnsupportedFilesystem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FSType = "zfs"
	if _, err := New(cfg, commandtest.NewFake(), zerolog.Nop()); err == nil {
		t.Fatal("expected error for unsupported filesystem")
	}
}
