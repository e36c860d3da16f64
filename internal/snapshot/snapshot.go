// Package snapshot copies the deployment directory into the backups root before it is
// touched by an update.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/nholik/hostkeeper/internal/atomicfile"
	"github.com/rs/zerolog"
)

// Prefix names every snapshot directory in the backups root.
const Prefix = "deploy-"

// Snapshot describes one copy of the deployment directory.
type Snapshot struct {
	Path      string    `json:"path,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
	Planned   bool      `json:"planned,omitempty"`
	Files     int       `json:"files,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pruned    []string  `json:"pruned,omitempty"`
}

// Snapshotter takes and prunes deployment snapshots.
type Snapshotter struct {
	backupDir string
	keep      int
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes a Snapshotter.
type Option func(*Snapshotter)

// WithClock overrides the clock used for snapshot names.
func WithClock(now func() time.Time) Option {
	return func(s *Snapshotter) {
		s.now = now
	}
}

// New returns a Snapshotter writing into backupDir and keeping the newest keep snapshots.
// keep <= 0 disables pruning.
func New(backupDir string, keep int, logger zerolog.Logger, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		backupDir: backupDir,
		keep:      keep,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan reports the snapshot Take would create without writing anything.
func (s *Snapshotter) Plan(src string) (Snapshot, error) {
	now := s.now().UTC()
	exists, err := isDir(src)
	if err != nil {
		return Snapshot{}, err
	}
	if !exists {
		return Snapshot{Skipped: true, CreatedAt: now}, nil
	}
	return Snapshot{Path: s.target(now), Planned: true, CreatedAt: now}, nil
}

// Take copies src into a new snapshot directory. A missing src yields a skipped snapshot.
// The copy is staged under a hidden name and renamed into place once complete.
func (s *Snapshotter) Take(ctx context.Context, src string) (Snapshot, error) {
	now := s.now().UTC()
	exists, err := isDir(src)
	if err != nil {
		return Snapshot{}, err
	}
	if !exists {
		s.logger.Info().Str("dir", src).Msg("deployment directory absent; snapshot skipped")
		return Snapshot{Skipped: true, CreatedAt: now}, nil
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create backups root: %w", err)
	}

	target := s.target(now)
	staging := filepath.Join(s.backupDir, "."+filepath.Base(target)+".partial")
	if err := os.RemoveAll(staging); err != nil {
		return Snapshot{}, fmt.Errorf("clear staging dir: %w", err)
	}

	snap := Snapshot{Path: target, CreatedAt: now}
	if err := copyTree(ctx, src, staging, s.backupDir, &snap); err != nil {
		_ = os.RemoveAll(staging)
		return Snapshot{}, fmt.Errorf("copy deployment directory: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		return Snapshot{}, fmt.Errorf("publish snapshot: %w", err)
	}

	pruned, err := atomicfile.Prune(s.backupDir, Prefix, s.keep)
	if err != nil {
		s.logger.Warn().Err(err).Msg("prune snapshots failed")
	}
	snap.Pruned = pruned

	s.logger.Info().
		Str("snapshot", target).
		Int("files", snap.Files).
		Str("size", units.HumanSize(float64(snap.Bytes))).
		Int("pruned", len(pruned)).
		Msg("deployment snapshot created")

	return snap, nil
}

// Latest returns the newest snapshot path in backupDir, or "" when there is none.
func Latest(backupDir string) (string, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), Prefix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	atomicfile.SortNames(names)
	return filepath.Join(backupDir, names[len(names)-1]), nil
}

func (s *Snapshotter) target(now time.Time) string {
	return atomicfile.UniquePath(filepath.Join(s.backupDir, Prefix+now.Format(atomicfile.TimestampFormat)))
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", path)
	}
	return true, nil
}

// copyTree copies directories, regular files and symlinks, preserving permission bits.
// The skip directory is left out so a backups root nested in src never copies itself.
func copyTree(ctx context.Context, src, dst, skip string, snap *Snapshot) error {
	skipRel := skipPath(src, skip)
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && rel == skipRel {
			return fs.SkipDir
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			return os.MkdirAll(target, mode.Perm()|0o700)
		case mode&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case mode.IsRegular():
			n, err := copyFile(path, target, mode.Perm())
			if err != nil {
				return err
			}
			snap.Files++
			snap.Bytes += n
			return nil
		default:
			// sockets, fifos and devices have no place in a deployment bundle
			return nil
		}
	})
}

// skipPath returns skip relative to src, or "" when skip lies outside src.
func skipPath(src, skip string) string {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return ""
	}
	absSkip, err := filepath.Abs(skip)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(absSrc, absSkip)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return rel
}

func copyFile(src, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}
