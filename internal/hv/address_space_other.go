//go:build !linux

package hv

import "fmt"

func mapGuestMemory(size int) ([]byte, error) {
	return nil, fmt.Errorf("address_space: %w", ErrHypervisorUnsupported)
}

func unmapGuestMemory(mem []byte) error { return nil }
