//go:build !linux

package hypercall

import (
	"errors"
	"fmt"
)

func restrict(iso Isolation) error {
	return fmt.Errorf("hypercall: file isolation: %w", errors.ErrUnsupported)
}

func LandlockABI() (int, error) { return 0, errors.ErrUnsupported }
