//go:build linux

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapGuestMemory(size int) ([]byte, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, fmt.Errorf("address_space: mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil && err != unix.EINVAL {
		// EINVAL means KSM is compiled out of the host kernel.
		unix.Munmap(mem)
		return nil, fmt.Errorf("address_space: madvise guest memory: %w", err)
	}

	return mem, nil
}

func unmapGuestMemory(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("address_space: munmap guest memory: %w", err)
	}
	return nil
}
