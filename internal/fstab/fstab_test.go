package fstab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTable = `# /etc/fstab: static file system information.
proc            /proc           proc    defaults          0       0
PARTUUID=4e2d-01  /boot/firmware  vfat    defaults          0       2
PARTUUID=4e2d-02  /               ext4    defaults,noatime  0       1
UUID=old-uuid /mnt/docker-data ext4 defaults 0 2
`

func TestEntryString(t *testing.T) {
	entry := ForUUID("2f9c", "/mnt/docker-data", "ext4", "defaults,noatime")
	if got := entry.String(); got != "UUID=2f9c /mnt/docker-data ext4 defaults,noatime 0 2" {
		t.Fatalf("unexpected line %q", got)
	}
	if got := ForUUID("x", "/mnt/my disk", "ext4", "").String(); got != `UUID=x /mnt/my\040disk ext4 defaults 0 2` {
		t.Fatalf("unexpected escaped line %q", got)
	}
}

func TestReplace_RemovesPriorRecordForMountPoint(t *testing.T) {
	entry := ForUUID("new-uuid", "/mnt/docker-data", "ext4", "defaults")
	out := Replace([]byte(sampleTable), entry)

	found := Lookup(out, "/mnt/docker-data")
	if len(found) != 1 {
		t.Fatalf("expected exactly one record, got %d:\n%s", len(found), out)
	}
	if found[0].Spec != "UUID=new-uuid" {
		t.Fatalf("expected new record, got %+v", found[0])
	}
	if !strings.HasPrefix(string(out), "# /etc/fstab") {
		t.Fatalf("expected comment to be kept")
	}
	if len(Lookup(out, "/")) != 1 || len(Lookup(out, "/boot/firmware")) != 1 {
		t.Fatalf("unrelated records must be kept:\n%s", out)
	}
}

func TestReplace_IsIdempotent(t *testing.T) {
	entry := ForUUID("new-uuid", "/mnt/docker-data/", "ext4", "defaults")
	once := Replace([]byte(sampleTable), entry)
	twice := Replace(once, entry)
	if string(once) != string(twice) {
		t.Fatalf("expected stable output, got:\n%s\nvs\n%s", once, twice)
	}
}

func TestReplace_EmptyTable(t *testing.T) {
	out := Replace(nil, ForUUID("abc", "/data", "ext4", "defaults"))
	if string(out) != "UUID=abc /data ext4 defaults 0 2\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParse_RejectsShortRecord(t *testing.T) {
	if _, err := Parse([]byte("UUID=abc /data\n")); err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestParse_Fields(t *testing.T) {
	entries, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	root := entries[2]
	if root.MountPoint != "/" || root.Pass != 1 || root.Options != "defaults,noatime" {
		t.Fatalf("unexpected root entry %+v", root)
	}
}

func TestUpsert_CreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fstab")

	if err := Upsert(path, ForUUID("one", "/mnt/docker-data", "ext4", "defaults")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := Upsert(path, ForUUID("two", "/mnt/docker-data", "ext4", "defaults")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	found := Lookup(data, "/mnt/docker-data")
	if len(found) != 1 || found[0].Spec != "UUID=two" {
		t.Fatalf("expected single replaced record, got %+v", found)
	}
}
