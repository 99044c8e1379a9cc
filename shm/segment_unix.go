//go:build linux || darwin

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is where this platform's POSIX shared-memory objects live. Linux
// mounts a tmpfs at /dev/shm for exactly this purpose; shm_open(3) on glibc
// is itself implemented as an open() under this directory, so mapping POSIX
// names directly onto it gives byte-identical interop with non-Go processes
// using the real shm_open call.
const shmDir = "/dev/shm"

func shmPath(name string) string {
	return filepath.Join(shmDir, name[1:])
}

// Create allocates a new named shared-memory segment of size bytes and maps
// it into this process's address space. The caller becomes the segment's
// owner. ErrAlreadyExists is returned if name is already in use.
func Create(name string, size int) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size <= 0 || size > MaxSegmentSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if err == unix.EEXIST {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, size: size, data: data, fd: fd, isOwner: true}, nil
}

// Open attaches to an existing named shared-memory segment. ErrNotFound is
// returned if name does not exist.
func Open(name string) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	size := int(st.Size)
	if size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s has size %d", ErrInvalidSize, name, size)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, size: size, data: data, fd: fd, isOwner: false}, nil
}

// CreateOrOpen attempts Create first and falls back to Open on
// ErrAlreadyExists. This is the usual entry point for a component whose
// first instance on the host should become the owner, while later instances
// attach to the segment the first one created.
func CreateOrOpen(name string, size int) (*Segment, error) {
	seg, err := Create(name, size)
	if err == nil {
		return seg, nil
	}
	if !isAlreadyExists(err) {
		return nil, err
	}
	return Open(name)
}

func isAlreadyExists(err error) bool {
	for err != nil {
		if err == ErrAlreadyExists {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Exists reports whether a named shared-memory segment currently exists.
func Exists(name string) bool {
	if err := validateName(name); err != nil {
		return false
	}
	_, err := os.Stat(shmPath(name))
	return err == nil
}

// Close unmaps the segment and closes its file descriptor. It does not
// remove the underlying shared-memory object — call Unlink for that. Safe
// to call once; a second call is a no-op.
func (s *Segment) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if cerr := unix.Close(s.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Unlink removes the named shared-memory object from the host. Only the
// owner should call this; Unlink itself does not check ownership. It is
// safe to call after Close.
func (s *Segment) Unlink() error {
	return unix.Unlink(shmPath(s.name))
}

// Unlink removes a named shared-memory object without requiring a live
// Segment handle, for cleanup of segments left behind by a crashed process.
func Unlink(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return unix.Unlink(shmPath(name))
}
