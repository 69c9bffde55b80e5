//go:build linux

package shm

import (
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// Open-flag re-exports so callers do not import unix directly.
const (
	OpenRDWR   = unix.O_RDWR
	OpenCreate = unix.O_CREAT
	OpenTrunc  = unix.O_TRUNC
)

// Open creates or opens a named segment and returns its file descriptor.
func Open(key string, flags int, mode uint32) (int, error) {
	path, err := MapName(key)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, &NamespaceError{Op: "open", Key: key, Err: err}
	}
	return fd, nil
}

// Unlink removes the segment name. Existing mappings stay valid until they
// are unmapped.
func Unlink(key string) error {
	path, err := MapName(key)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		return &NamespaceError{Op: "unlink", Key: key, Err: err}
	}
	return nil
}

// Truncate sets the segment length.
func Truncate(key string, fd int, size int64) error {
	if err := unix.Ftruncate(fd, size); err != nil {
		return &NamespaceError{Op: "ftruncate", Key: key, Err: err}
	}
	return nil
}

// Map maps size bytes of the segment read-write and shared.
func Map(key string, fd int, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &NamespaceError{Op: "mmap", Key: key, Err: err}
	}
	return mem, nil
}

// Unmap releases a mapping obtained from Map.
func Unmap(key string, mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return &NamespaceError{Op: "munmap", Key: key, Err: err}
	}
	return nil
}

// Pread reads len(buf) bytes at off without touching the file offset. Used
// to peek a segment header before mapping the full length.
func Pread(key string, fd int, buf []byte, off int64) error {
	n, err := unix.Pread(fd, buf, off)
	if err != nil {
		return &NamespaceError{Op: "pread", Key: key, Err: err}
	}
	if n < len(buf) {
		return &NamespaceError{Op: "pread", Key: key, Err: unix.EIO}
	}
	return nil
}

// Close closes a segment file descriptor.
func Close(key string, fd int) error {
	if err := unix.Close(fd); err != nil {
		return &NamespaceError{Op: "close", Key: key, Err: err}
	}
	return nil
}

// CanCreateOnDevShm reports whether /dev/shm has room for size more bytes.
// Paths outside /dev/shm are always allowed.
func CanCreateOnDevShm(size uint64, path string) bool {
	if len(path) < len(shmDir) || path[:len(shmDir)] != shmDir {
		return true
	}
	stat, err := disk.Usage(shmDir)
	if err != nil {
		// can't tell, let the ftruncate fail instead
		return true
	}
	return stat.Free >= size
}
