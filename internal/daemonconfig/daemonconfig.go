// Package daemonconfig reads and rewrites the container runtime's daemon.json.
package daemonconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nholik/hostkeeper/internal/atomicfile"
)

const (
	keyDataRoot      = "data-root"
	keyStorageDriver = "storage-driver"

	// DefaultStorageDriver is written when no driver is configured.
	DefaultStorageDriver = "overlay2"
)

// StorageConfig is the storage portion of the runtime configuration.
type StorageConfig struct {
	DataRoot      string
	StorageDriver string
}

// Document is the full runtime configuration. Unknown keys are kept verbatim.
type Document map[string]json.RawMessage

// Load reads the document at path. A missing file yields an empty document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil
		}
		return nil, fmt.Errorf("read daemon config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a daemon.json document. Blank input yields an empty document.
func Parse(data []byte) (Document, error) {
	doc := Document{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse daemon config: %w", err)
	}
	return doc, nil
}

// Storage returns the storage settings held by the document.
func (d Document) Storage() StorageConfig {
	var cfg StorageConfig
	if raw, ok := d[keyDataRoot]; ok {
		_ = json.Unmarshal(raw, &cfg.DataRoot)
	}
	if raw, ok := d[keyStorageDriver]; ok {
		_ = json.Unmarshal(raw, &cfg.StorageDriver)
	}
	return cfg
}

// WithStorage returns a copy of the document with the storage keys set.
func (d Document) WithStorage(cfg StorageConfig) (Document, error) {
	out := make(Document, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	driver := cfg.StorageDriver
	if driver == "" {
		driver = DefaultStorageDriver
	}
	dataRoot, err := json.Marshal(cfg.DataRoot)
	if err != nil {
		return nil, err
	}
	storageDriver, err := json.Marshal(driver)
	if err != nil {
		return nil, err
	}
	out[keyDataRoot] = dataRoot
	out[keyStorageDriver] = storageDriver
	return out, nil
}

// Encode renders the document as indented JSON with a trailing newline.
func (d Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode daemon config: %w", err)
	}
	return append(data, '\n'), nil
}

// ApplyResult describes a completed Apply.
type ApplyResult struct {
	// Backup is the path of the copy of the previous file, or "" when there was none.
	Backup string
	// Pruned lists older backups removed by retention.
	Pruned []string
	// PruneErr is set when retention failed. The new file is in place regardless.
	PruneErr error
}

var prune = atomicfile.Prune

// Apply backs up the file at path into backupDir, then atomically writes the document
// with cfg applied. At most keep backups of this file are retained; keep <= 0 keeps all.
func Apply(path, backupDir string, cfg StorageConfig, keep int, now time.Time) (ApplyResult, error) {
	var result ApplyResult

	if cfg.DataRoot == "" {
		return result, errors.New("data root is required")
	}

	doc, err := Load(path)
	if err != nil {
		return result, err
	}
	updated, err := doc.WithStorage(cfg)
	if err != nil {
		return result, fmt.Errorf("update daemon config: %w", err)
	}
	data, err := updated.Encode()
	if err != nil {
		return result, err
	}

	backup, err := atomicfile.Backup(path, backupDir, now)
	if err != nil {
		return result, fmt.Errorf("backup daemon config: %w", err)
	}
	result.Backup = backup

	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return result, fmt.Errorf("write daemon config: %w", err)
	}

	pruned, err := prune(backupDir, filepath.Base(path)+".", keep)
	if err != nil {
		result.PruneErr = fmt.Errorf("prune daemon config backups: %w", err)
	}
	result.Pruned = pruned

	return result, nil
}
