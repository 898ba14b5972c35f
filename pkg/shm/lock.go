package shm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLock is a named reader/writer lock shared between processes through
// flock(2) on a lock file. It also excludes goroutines of this process, which
// flock alone does not do for a shared descriptor.
//
// Lock failures are returned, never retried.
type FileLock struct {
	path string

	rw sync.RWMutex // goroutines of this process

	mu      sync.Mutex // guards f and readers
	f       *os.File
	readers int
}

// NewFileLock opens or creates the lock file at path.
func NewFileLock(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{path: path, f: f}, nil
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open lock %s: %w", path, err)
	}
	return f, nil
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) flock(how int) error {
	for {
		err := unix.Flock(int(l.f.Fd()), how)
		if err != unix.EINTR {
			if err != nil {
				return fmt.Errorf("shm: flock %s: %w", l.path, err)
			}
			return nil
		}
	}
}

// Lock takes the lock exclusively.
func (l *FileLock) Lock() error {
	l.rw.Lock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flock(unix.LOCK_EX); err != nil {
		l.rw.Unlock()
		return err
	}
	return nil
}

func (l *FileLock) Unlock() error {
	l.mu.Lock()
	err := l.flock(unix.LOCK_UN)
	l.mu.Unlock()
	l.rw.Unlock()
	return err
}

// RLock takes the lock shared. Readers of this process share one flock.
func (l *FileLock) RLock() error {
	l.rw.RLock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		if err := l.flock(unix.LOCK_SH); err != nil {
			l.rw.RUnlock()
			return err
		}
	}
	l.readers++
	return nil
}

func (l *FileLock) RUnlock() error {
	l.mu.Lock()
	var err error
	l.readers--
	if l.readers == 0 {
		err = l.flock(unix.LOCK_UN)
	}
	l.mu.Unlock()
	l.rw.RUnlock()
	return err
}

// Reset deletes and recreates the lock file. A process stuck holding the old
// file no longer blocks anyone. Only use it when no other process is active.
func (l *FileLock) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: remove lock %s: %w", l.path, err)
	}
	f, err := openLockFile(l.path)
	if err != nil {
		return err
	}
	l.f = f
	l.readers = 0
	return nil
}

func (l *FileLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
