// Package procmem reads the calling process's own memory through the
// kernel's memory device instead of dereferencing raw pointers, so an
// unmapped or unreadable range comes back as an error rather than a fault.
package procmem

import (
	"fmt"
	"io"

	"github.com/AAVision/rasp-scanner/fault"
)

// Reader reads live memory at absolute addresses.
type Reader interface {
	ReadAt(p []byte, addr uint64) (int, error)
}

// Device is a Reader that holds an open descriptor.
type Device interface {
	Reader
	io.Closer
}

// Opener opens a Device for the duration of one operation.
type Opener func() (Device, error)

// ReadFull reads exactly len(p) bytes at addr. A short read is reported as
// fault.ErrUnreadable together with the number of bytes that did arrive.
func ReadFull(r Reader, p []byte, addr uint64) (int, error) {
	n, err := r.ReadAt(p, addr)
	if n == len(p) {
		return n, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return n, fmt.Errorf("%w: %#x+%#x: %w", fault.ErrUnreadable, addr, len(p), err)
}

// Static serves reads from an in-memory copy placed at base. It stands in
// for the memory device wherever the real address space is not wanted.
func Static(base uint64, data []byte) Opener {
	return func() (Device, error) {
		return &staticDevice{base: base, data: data}, nil
	}
}

type staticDevice struct {
	base uint64
	data []byte
}

func (d *staticDevice) ReadAt(p []byte, addr uint64) (int, error) {
	if addr < d.base || addr-d.base >= uint64(len(d.data)) {
		return 0, fmt.Errorf("%w: %#x not mapped", fault.ErrUnreadable, addr)
	}
	n := copy(p, d.data[addr-d.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *staticDevice) Close() error {
	return nil
}
