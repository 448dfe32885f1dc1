package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrConfiguration is returned before any vCPU thread exists when the VM
	// parameters cannot be satisfied.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrGuestFault terminates the whole VM. It is attributed to the guest,
	// never to the host.
	ErrGuestFault = errors.New("guest fault")

	// ErrHostIO marks a host operation that failed while servicing a
	// hypercall. The guest sees a negative errno and keeps running.
	ErrHostIO = errors.New("host I/O error")

	// ErrDebugProtocol closes the current debugger connection only.
	ErrDebugProtocol = errors.New("debug protocol error")

	ErrOutOfBounds = errors.New("guest address out of bounds")
)

// ExitCodeFatal is returned by the coordinator when the VM stopped because of
// a GuestFault instead of an exit request from the guest.
const ExitCodeFatal = 255

// OutOfBoundsError describes an access outside of the guest address space.
type OutOfBoundsError struct {
	Addr uint64
	Len  uint64
	Size uint64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("guest range [0x%x, +0x%x) outside memory of size 0x%x", e.Addr, e.Len, e.Size)
}

func (e *OutOfBoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// GuestFaultError identifies the core and guest address responsible for a
// fatal condition.
type GuestFaultError struct {
	CPU    int
	Addr   uint64
	Reason string
	Err    error
}

func (e *GuestFaultError) Error() string {
	msg := fmt.Sprintf("guest fault on vCPU %d at 0x%x: %s", e.CPU, e.Addr, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GuestFaultError) Is(target error) bool { return target == ErrGuestFault }

func (e *GuestFaultError) Unwrap() error { return e.Err }
