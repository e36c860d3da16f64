// Package fstab edits the static mount table with replace-not-duplicate semantics.
package fstab

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nholik/hostkeeper/internal/atomicfile"
)

// Entry is one mount table record.
type Entry struct {
	Spec       string
	MountPoint string
	FSType     string
	Options    string
	Dump       int
	Pass       int
}

// ForUUID builds the record for a filesystem identified by UUID.
func ForUUID(uuid, mountPoint, fsType, options string) Entry {
	if options == "" {
		options = "defaults"
	}
	return Entry{
		Spec:       "UUID=" + uuid,
		MountPoint: mountPoint,
		FSType:     fsType,
		Options:    options,
		Dump:       0,
		Pass:       2,
	}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s %s %d %d", e.Spec, escape(e.MountPoint), e.FSType, e.Options, e.Dump, e.Pass)
}

// Parse returns the records in content, skipping comments and blank lines.
func Parse(content []byte) ([]Entry, error) {
	var entries []Entry
	for i, line := range strings.Split(string(content), "\n") {
		fields, ok := recordFields(line)
		if !ok {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 fields, got %d", i+1, len(fields))
		}
		entry := Entry{
			Spec:       fields[0],
			MountPoint: unescape(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		}
		if len(fields) > 4 {
			entry.Dump, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			entry.Pass, _ = strconv.Atoi(fields[5])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Replace removes every record for entry.MountPoint from content and appends entry.
// Comments and unrelated records keep their original text and order.
func Replace(content []byte, entry Entry) []byte {
	target := filepath.Clean(entry.MountPoint)

	var out bytes.Buffer
	lines := strings.Split(string(content), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		if fields, ok := recordFields(line); ok && len(fields) >= 2 {
			if filepath.Clean(unescape(fields[1])) == target {
				continue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteString(entry.String())
	out.WriteByte('\n')
	return out.Bytes()
}

// Lookup returns the records for mountPoint.
func Lookup(content []byte, mountPoint string) []Entry {
	entries, err := Parse(content)
	if err != nil {
		return nil
	}
	target := filepath.Clean(mountPoint)
	var found []Entry
	for _, entry := range entries {
		if filepath.Clean(entry.MountPoint) == target {
			found = append(found, entry)
		}
	}
	return found
}

// Upsert atomically rewrites the mount table at path so it holds exactly one record for
// entry.MountPoint. A missing table is created.
func Upsert(path string, entry Entry) error {
	content, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read mount table: %w", err)
	}
	if err := atomicfile.WriteFile(path, Replace(content, entry), 0o644); err != nil {
		return fmt.Errorf("write mount table: %w", err)
	}
	return nil
}

func recordFields(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, false
	}
	return strings.Fields(trimmed), true
}

// fstab encodes whitespace in paths as octal escapes.
var escaper = strings.NewReplacer(" ", `\040`, "\t", `\011`)
var unescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\134`, `\`)

func escape(path string) string {
	return escaper.Replace(path)
}

func unescape(field string) string {
	return unescaper.Replace(field)
}
