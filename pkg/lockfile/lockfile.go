//go:build linux
// +build linux

// Package lockfile provides scoped file locks for durable documents.
//
// Locks are implemented with flock(2) and therefore provide mutual exclusion
// between independent appcage invocations, not just between goroutines.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive lock on a lock file.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path, blocking until it is available.
// The lock file is created if it does not exist.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	return &Lock{path: path, file: file}, nil
}

// TryAcquire takes an exclusive lock on path without blocking.
// Returns an error immediately if another process holds the lock.
func TryAcquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s is locked by another process", path)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	return &Lock{path: path, file: file}, nil
}

// Release drops the lock. The lock file itself is left in place so that
// other waiters do not race on its recreation.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return closeErr
}
