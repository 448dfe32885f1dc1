package factory

import (
	"fmt"

	"github.com/tinyrange/ukvm/internal/hv"
)

// OpenWithArchitecture opens the host backend after checking that it can run
// guests built for arch. An invalid architecture means "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureInvalid, hv.ArchitectureX86_64:
	default:
		return nil, fmt.Errorf("unsupported guest architecture %q: %w", arch, hv.ErrHypervisorUnsupported)
	}

	h, err := Open()
	if err != nil {
		return nil, err
	}
	if arch != hv.ArchitectureInvalid && h.Architecture() != arch {
		h.Close()
		return nil, fmt.Errorf("host backend runs %q guests, not %q: %w", h.Architecture(), arch, hv.ErrHypervisorUnsupported)
	}
	return h, nil
}
