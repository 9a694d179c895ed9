// Package fault defines the error kinds shared by the scanner packages.
//
// Components wrap one of these sentinels so callers can tell an IO failure
// from a malformed module or a module that simply is not there:
//
//	if errors.Is(err, fault.ErrNotFound) { ... }
package fault

import "errors"

var (
	// ErrIO means a required file or device could not be opened or read.
	ErrIO = errors.New("io error")
	// ErrFormat means an on-disk image is not the format we expect.
	ErrFormat = errors.New("format error")
	// ErrNotFound means a module, mapping or symbol is absent from the
	// current process state. It is a normal outcome.
	ErrNotFound = errors.New("not found")
	// ErrPermission means a memory protection adjustment was refused.
	ErrPermission = errors.New("permission error")
	// ErrUnreadable means live memory could not be read back.
	ErrUnreadable = errors.New("memory unreadable")
)

// Kind names the error kind wrapped by err, for log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrUnreadable):
		return "unreadable"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "unknown"
	}
}

