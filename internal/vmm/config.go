package vmm

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hypercall"
	"github.com/tinyrange/ukvm/internal/loader"
)

// MaxCPUs is the largest core count the boot information can describe.
const MaxCPUs = 255

type Config struct {
	MemorySize uint64
	CPUs       int

	// Args is the guest argv, kernel path first. Env is passed as is.
	Args []string
	Env  []string

	Console *hypercall.Console
	Stdin   io.Reader
	Files   *hypercall.FileMap
	Net     hypercall.NetBackend

	// DemandPaging registers guest memory with the backend on first touch
	// instead of up front.
	DemandPaging bool

	// Debug starts core 0 paused and exposes it through (*VM).DebugTarget.
	Debug bool

	// Stats logs exit statistics when Run returns.
	Stats bool

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("vmm: %w: need at least one cpu, got %d", hv.ErrConfiguration, c.CPUs)
	}
	if c.CPUs > MaxCPUs {
		return fmt.Errorf("vmm: %w: %d cpus requested, at most %d supported", hv.ErrConfiguration, c.CPUs, MaxCPUs)
	}
	if err := loader.CheckMemorySize(c.MemorySize); err != nil {
		return fmt.Errorf("vmm: %w", err)
	}
	return nil
}
