package loopstate

import (
	"os"
	"syscall"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
)

// SprintLock is the exclusive, non-blocking `.loop.lock` file the
// value loop driver holds for the lifetime of one run. It uses
// flock(2) rather than a PID file so the lock is released by the
// kernel automatically on process exit or crash, so a stale lock is
// released via OS semantics without any explicit cleanup step.
type SprintLock struct {
	path string
	file *os.File
}

// NewSprintLock returns a lock for the file at path without opening
// or acquiring it; TryAcquire opens (creating if necessary) the file.
func NewSprintLock(path string) *SprintLock {
	return &SprintLock{path: path}
}

// TryAcquire attempts a non-blocking exclusive lock. If another live
// process already holds it, it returns an error immediately: the
// second instance must fail fast rather than wait.
func (l *SprintLock) TryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return apperrors.FailedToWithDetails("open lock file", "loop", l.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return apperrors.FailedToWithDetails("acquire exclusive lock, another instance is running", "loop", l.path, err)
	}
	l.file = f
	return nil
}

// Release drops the lock and closes the underlying file handle. Safe
// to call on an unacquired lock.
func (l *SprintLock) Release() error {
	if l.file == nil {
		return nil
	}
	defer func() {
		l.file.Close()
		l.file = nil
	}()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return apperrors.FailedToWithDetails("release lock", "loop", l.path, err)
	}
	return nil
}
