// Package api builds runnable unikernel instances out of a configuration:
// it opens the hypervisor and wires the console, file map and network
// backend into a VM.
package api

import (
	"errors"

	"github.com/tinyrange/ukvm/internal/hv"
)

var (
	ErrAlreadyClosed = errors.New("instance already closed")
	ErrAlreadyRun    = errors.New("instance already ran")

	// ErrHypervisorUnavailable indicates KVM cannot be used on this host:
	// missing /dev/kvm, no permission, or no nested virtualization.
	ErrHypervisorUnavailable = hv.ErrHypervisorUnsupported
)

// Error records the operation and path that failed.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
