// Package shm provides the named shared memory segment and the named
// reader/writer lock used to hand a compiled rule base between processes.
// A segment is a file under a shared directory (usually /dev/shm) mapped
// MAP_SHARED; the lock is an flock on a sibling file.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDir holds segments and lock files unless configured otherwise.
const DefaultDir = "/dev/shm"

var ErrClosed = errors.New("shm: segment closed")

// Segment is a file mapped into this process. Every process that opens the
// same name sees the same bytes, usually at a different address.
type Segment struct {
	path string
	f    *os.File
	data []byte
}

// Path returns the backing file of name in dir.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

// Open maps the segment name, creating it with size bytes if it does not
// exist yet. An existing smaller segment is grown; a larger one is mapped
// whole. A size of zero maps an existing segment at its current size.
func Open(dir, name string, size int) (*Segment, error) {
	path := Path(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: resize %s to %d: %w", path, size, err)
		}
	} else {
		size = int(fi.Size())
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("shm: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: map %s: %w", path, err)
	}
	return &Segment{path: path, f: f, data: data}, nil
}

// Bytes returns the mapped memory. It is invalid after Close.
func (s *Segment) Bytes() []byte { return s.data }

func (s *Segment) Len() int     { return len(s.data) }
func (s *Segment) Path() string { return s.path }

// Close unmaps the segment. The backing file stays for other processes.
func (s *Segment) Close() error {
	if s.data == nil {
		return ErrClosed
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the backing file of a segment. Processes that still map it
// keep their mapping.
func Remove(dir, name string) error {
	err := os.Remove(Path(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
