//go:build !linux

package procmem

import (
	"fmt"

	"github.com/AAVision/rasp-scanner/fault"
)

// Self is only implemented on Linux, where /proc/self/mem exists.
func Self() (Device, error) {
	return nil, fmt.Errorf("%w: no process memory device on this platform", fault.ErrIO)
}

// Protect always fails outside Linux. Callers treat protection changes as
// best-effort.
func Protect(addr, size uint64, prot int) error {
	return fmt.Errorf("%w: mprotect unsupported on this platform", fault.ErrPermission)
}
