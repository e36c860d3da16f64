package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrBusy reports that another invocation already holds the lock.
var ErrBusy = errors.New("lock is held by another invocation")

// Locker provides mutual exclusion between engine invocations on one host.
// AcquireLock never waits: a held lock fails fast with ErrBusy.
type Locker interface {
	AcquireLock(ctx context.Context) (Lock, error)
}

// Lock represents an acquired lock that must be released.
type Lock interface {
	Release() error
}

// FileLocker takes an exclusive flock(2) on a lock file.
type FileLocker struct {
	path string
}

// NewFileLocker returns a Locker backed by the file at path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// Path returns the lock file location.
func (l *FileLocker) Path() string {
	return l.path
}

// AcquireLock implements Locker.
func (l *FileLocker) AcquireLock(ctx context.Context) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", l.path, ErrBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &fileLock{file: f}, nil
}

type fileLock struct {
	file *os.File
}

func (l *fileLock) Release() error {
	if l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}
