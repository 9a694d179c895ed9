//go:build linux

package procmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/AAVision/rasp-scanner/fault"
)

const selfMem = "/proc/self/mem"

// File is an open /proc/<pid>/mem descriptor.
type File struct {
	fd int
}

// Self opens the memory device of the calling process.
func Self() (Device, error) {
	return OpenFile(selfMem)
}

// OpenFile opens a memory device at path.
func OpenFile(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", fault.ErrIO, path, err)
	}
	return &File{fd: fd}, nil
}

// ReadAt reads at the absolute address addr. It keeps going after short
// reads and stops at the first page the kernel refuses, returning what it
// has so far.
func (f *File) ReadAt(p []byte, addr uint64) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Pread(f.fd, p[total:], int64(addr)+int64(total))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("%w: pread %#x: %w", fault.ErrUnreadable, addr+uint64(total), err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// Close releases the descriptor.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// Protect changes the protection of the pages covering [addr, addr+size).
// A refusal is reported as fault.ErrPermission.
func Protect(addr, size uint64, prot int) error {
	if size == 0 {
		return nil
	}

	pageSize := uint64(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), int(end-start))
	if err := unix.Mprotect(region, prot); err != nil {
		return fmt.Errorf("%w: mprotect %#x+%#x: %w", fault.ErrPermission, start, end-start, err)
	}
	return nil
}
