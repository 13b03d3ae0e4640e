// Package fd provides a scoped owner for a single OS descriptor,
// guaranteeing it is closed exactly once regardless of which exit path a
// connection or CGI child takes (spec.md §4.1, §9 "Manual pid/pipe
// bookkeeping"). It plays the same small-single-purpose-struct role the
// teacher's internal/unreader.Unreader and alloc.Allocator play for their
// own concerns.
package fd

import "syscall"

// Handle owns at most one OS descriptor. The zero value is a valid, empty
// Handle.
type Handle struct {
	fd    int
	valid bool
}

// New wraps an already-open descriptor.
func New(descriptor int) Handle {
	return Handle{fd: descriptor, valid: true}
}

// Get returns the underlying descriptor. Callers must check Valid first;
// Get on an invalid Handle returns -1.
func (h Handle) Get() int {
	if !h.valid {
		return -1
	}

	return h.fd
}

// Valid reports whether the Handle currently owns a descriptor.
func (h Handle) Valid() bool {
	return h.valid
}

// Reset closes whatever descriptor h currently owns (if any) and adopts
// newFd as the new owned descriptor.
func (h *Handle) Reset(newFd int) {
	h.Close()
	h.fd = newFd
	h.valid = true
}

// Release surrenders ownership without closing the descriptor, returning
// it to the caller. Used when a descriptor is being handed off (e.g. moved
// onto a child process's stdin) rather than discarded.
func (h *Handle) Release() int {
	if !h.valid {
		return -1
	}

	released := h.fd
	h.fd = -1
	h.valid = false

	return released
}

// Close releases the descriptor if one is owned. Safe to call multiple
// times; the second and later calls are no-ops.
func (h *Handle) Close() error {
	if !h.valid {
		return nil
	}

	fdToClose := h.fd
	h.fd = -1
	h.valid = false

	return syscall.Close(fdToClose)
}

// Dup returns a new, independent Handle owning a duplicate of the
// descriptor h owns. Mirrors OS-level dup() semantics: the two Handles may
// be closed independently without affecting each other.
func (h Handle) Dup() (Handle, error) {
	if !h.valid {
		return Handle{}, syscall.EBADF
	}

	newFd, err := syscall.Dup(h.fd)
	if err != nil {
		return Handle{}, err
	}

	return New(newFd), nil
}
