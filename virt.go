// Package ukvm boots unikernel images directly on KVM. An Instance is one
// guest: it runs until the guest exits, faults or halts every vCPU, and its
// exit code is the guest's.
package ukvm

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/ukvm/internal/api"
	"github.com/tinyrange/ukvm/internal/config"
	"github.com/tinyrange/ukvm/internal/hv"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Instance is a loaded unikernel VM.
type Instance = api.Instance

// Option configures an Instance.
type Option = api.Option

// Config is the file form of an Instance configuration.
type Config = config.Config

// Network selects the backend behind the guest network hypercalls.
type Network = config.Network

// Error represents a ukvm operation error with structured information.
type Error = api.Error

// Network modes.
const (
	NetworkNone = config.NetworkNone
	NetworkUser = config.NetworkUser
	NetworkTap  = config.NetworkTap
)

// ExitCodeFatal is returned when the guest did not exit on its own.
const ExitCodeFatal = hv.ExitCodeFatal

// Common sentinel errors.
var (
	ErrAlreadyClosed = api.ErrAlreadyClosed
	ErrAlreadyRun    = api.ErrAlreadyRun

	// ErrHypervisorUnavailable indicates KVM cannot be used. This can happen
	// when /dev/kvm is missing or not accessible, or when running in a VM
	// without nested virtualization.
	//
	// Use errors.Is(err, ukvm.ErrHypervisorUnavailable) to skip tests in CI.
	ErrHypervisorUnavailable = api.ErrHypervisorUnavailable

	// ErrConfiguration is wrapped by every error caused by invalid settings.
	ErrConfiguration = hv.ErrConfiguration

	// ErrGuestFault is wrapped when the guest did something the hypervisor
	// cannot service.
	ErrGuestFault = hv.ErrGuestFault
)

// -----------------------------------------------------------------------------
// Instance Options
// -----------------------------------------------------------------------------

// WithMemoryMB sets the guest memory size in megabytes. It must be a
// multiple of 2.
func WithMemoryMB(size uint64) Option {
	return &memoryOption{sizeMB: size}
}

type memoryOption struct{ sizeMB uint64 }

func (*memoryOption) IsOption()        {}
func (o *memoryOption) SizeMB() uint64 { return o.sizeMB }

// WithCPUs sets the number of vCPUs.
func WithCPUs(n int) Option {
	return &cpusOption{n: n}
}

type cpusOption struct{ n int }

func (*cpusOption) IsOption()   {}
func (o *cpusOption) CPUs() int { return o.n }

// WithArgs sets the application arguments. The kernel path is always
// passed as the first argument.
func WithArgs(args ...string) Option {
	return &argsOption{args: args}
}

type argsOption struct{ args []string }

func (*argsOption) IsOption()        {}
func (o *argsOption) Args() []string { return o.args }

// WithEnv sets the guest environment. Each entry should be in "KEY=value"
// format. Without it the host environment is passed on.
func WithEnv(env ...string) Option {
	return &envOption{env: env}
}

type envOption struct{ env []string }

func (*envOption) IsOption()       {}
func (o *envOption) Env() []string { return o.env }

// WithMounts maps host paths into the guest. Each entry is "host:guest".
// Once any mount is given the guest can only open mapped paths.
func WithMounts(mounts ...string) Option {
	return &mountsOption{mounts: mounts}
}

type mountsOption struct{ mounts []string }

func (*mountsOption) IsOption()          {}
func (o *mountsOption) Mounts() []string { return o.mounts }

// WithFileIsolation confines the whole process to the mounted paths with
// Landlock once the guest is loaded. It needs at least one mount and cannot
// be undone for the lifetime of the process.
func WithFileIsolation() Option {
	return &fileIsolationOption{}
}

type fileIsolationOption struct{}

func (*fileIsolationOption) IsOption()           {}
func (*fileIsolationOption) FileIsolation() bool { return true }

// WithOutput selects the console sink: "stdio", "none", "buffer" or
// "file:<path>".
func WithOutput(sink string) Option {
	return &outputOption{sink: sink}
}

type outputOption struct{ sink string }

func (*outputOption) IsOption()        {}
func (o *outputOption) Output() string { return o.sink }

// WithStdout sends guest output to w instead of the configured sink.
func WithStdout(w io.Writer) Option {
	return &stdoutOption{w: w}
}

type stdoutOption struct{ w io.Writer }

func (*stdoutOption) IsOption()           {}
func (o *stdoutOption) Stdout() io.Writer { return o.w }

// WithStdin makes the guest console interactive, reading from r.
func WithStdin(r io.Reader) Option {
	return &stdinOption{r: r}
}

type stdinOption struct{ r io.Reader }

func (*stdinOption) IsOption()          {}
func (o *stdinOption) Stdin() io.Reader { return o.r }

// WithTimeout sets a maximum lifetime for the guest. After this duration
// the guest is stopped and Run fails.
func WithTimeout(d time.Duration) Option {
	return &timeoutOption{d: d}
}

type timeoutOption struct{ d time.Duration }

func (*timeoutOption) IsOption()                 {}
func (o *timeoutOption) Duration() time.Duration { return o.d }

// WithDemandPaging maps guest memory on first touch instead of at boot.
func WithDemandPaging() Option {
	return &demandPagingOption{}
}

type demandPagingOption struct{}

func (*demandPagingOption) IsOption()          {}
func (*demandPagingOption) DemandPaging() bool { return true }

// WithStats logs exit and hypercall counters when the guest stops.
func WithStats() Option {
	return &statsOption{}
}

type statsOption struct{}

func (*statsOption) IsOption()   {}
func (*statsOption) Stats() bool { return true }

// WithGDBPort starts a GDB remote stub on 127.0.0.1:port. The guest stays
// paused at its entry point until a debugger continues it.
func WithGDBPort(port int) Option {
	return &gdbOption{port: port}
}

type gdbOption struct{ port int }

func (*gdbOption) IsOption()      {}
func (o *gdbOption) GDBPort() int { return o.port }

// WithNetwork attaches a network backend to the guest.
func WithNetwork(n Network) Option {
	return &networkOption{n: n}
}

type networkOption struct{ n Network }

func (*networkOption) IsOption()                 {}
func (o *networkOption) Network() config.Network { return o.n }

// WithPacketCapture records guest traffic to w in pcap format.
func WithPacketCapture(w io.Writer) Option {
	return &captureOption{w: w}
}

type captureOption struct{ w io.Writer }

func (*captureOption) IsOption()                  {}
func (o *captureOption) PacketCapture() io.Writer { return o.w }

// WithLogger sets the logger used by the hypervisor.
func WithLogger(l *slog.Logger) Option {
	return &loggerOption{l: l}
}

type loggerOption struct{ l *slog.Logger }

func (*loggerOption) IsOption()              {}
func (o *loggerOption) Logger() *slog.Logger { return o.l }

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New loads the kernel at path into a new Instance. The caller must call
// Close when finished to release resources.
func New(kernel string, opts ...Option) (*Instance, error) {
	cfg := config.Default()
	cfg.Kernel = kernel
	return api.New(cfg, opts...)
}

// NewFromConfig creates an Instance from a configuration, typically one
// returned by LoadConfig. Options override the configuration.
func NewFromConfig(cfg Config, opts ...Option) (*Instance, error) {
	return api.New(cfg, opts...)
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Run boots kernel, waits for it to exit and releases the instance.
func Run(ctx context.Context, kernel string, opts ...Option) (int, error) {
	inst, err := New(kernel, opts...)
	if err != nil {
		return ExitCodeFatal, err
	}
	defer inst.Close()
	return inst.Run(ctx)
}
