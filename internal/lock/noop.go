package lock

import "context"

// NoOpLocker is a Locker whose locks never contend. Engines use it until a real
// locker is supplied.
type NoOpLocker struct{}

// NewNoOpLocker returns a Locker that always succeeds.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

// AcquireLock implements Locker.
func (l *NoOpLocker) AcquireLock(ctx context.Context) (Lock, error) {
	return &noopLock{}, nil
}

type noopLock struct{}

func (l *noopLock) Release() error {
	return nil
}
