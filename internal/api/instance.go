package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tinyrange/ukvm/internal/config"
	"github.com/tinyrange/ukvm/internal/gdb"
	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hv/factory"
	"github.com/tinyrange/ukvm/internal/hypercall"
	"github.com/tinyrange/ukvm/internal/loader"
	"github.com/tinyrange/ukvm/internal/netif"
	"github.com/tinyrange/ukvm/internal/vmm"
)

// Instance is one unikernel VM together with the host resources it uses.
type Instance struct {
	cfg instanceConfig
	log *slog.Logger

	hv      hv.Hypervisor
	ownHV   bool
	console *hypercall.Console
	vm      *vmm.VM

	mu     sync.Mutex
	ran    bool
	closed bool
}

// New validates cfg, opens the hypervisor and loads the kernel. The VM does
// not run until Run is called.
func New(cfg config.Config, opts ...Option) (*Instance, error) {
	c := parseInstanceOptions(cfg, opts)
	if err := c.Validate(); err != nil {
		return nil, &Error{Op: "configure", Path: c.Kernel, Err: err}
	}

	inst := &Instance{cfg: c, log: c.logger}
	ok := false
	defer func() {
		if !ok {
			inst.cleanup()
		}
	}()

	if c.hypervisor != nil {
		inst.hv = c.hypervisor
	} else {
		h, err := factory.Open()
		if err != nil {
			return nil, &Error{Op: "open hypervisor", Err: err}
		}
		inst.hv = h
		inst.ownHV = true
	}

	if c.stdout != nil {
		inst.console = hypercall.NewConsoleWriter(c.stdout)
	} else {
		console, err := hypercall.NewConsole(c.Output)
		if err != nil {
			return nil, &Error{Op: "create console", Err: err}
		}
		inst.console = console
	}

	files, err := hypercall.NewFileMap(c.Mounts)
	if err != nil {
		return nil, &Error{Op: "mount", Err: err}
	}

	backend, err := inst.openNetwork()
	if err != nil {
		files.Close()
		return nil, &Error{Op: "open network", Err: err}
	}

	var stdin io.Reader
	if c.Interactive {
		stdin = c.stdin
		if stdin == nil {
			stdin = os.Stdin
		}
	}

	vmCfg := vmm.Config{
		MemorySize:   c.MemorySize(),
		CPUs:         c.CPUs,
		Args:         append([]string{c.Kernel}, c.Args...),
		Env:          c.env,
		Console:      inst.console,
		Stdin:        stdin,
		Files:        files,
		Net:          backend,
		DemandPaging: c.DemandPaging,
		Debug:        c.GDBPort != 0,
		Stats:        c.Stats,
		Logger:       c.logger,
	}

	img, err := loader.Open(c.Kernel)
	if err != nil {
		files.Close()
		closeBackend(backend)
		return nil, &Error{Op: "open kernel", Path: c.Kernel, Err: err}
	}
	defer img.Close()

	vm, err := vmm.New(inst.hv, vmCfg, img)
	if err != nil {
		files.Close()
		closeBackend(backend)
		return nil, &Error{Op: "create vm", Path: c.Kernel, Err: err}
	}
	inst.vm = vm

	if c.FileIsolation {
		// Everything the VM opens on the host is open by now.
		if err := files.Confine(c.Kernel); err != nil {
			return nil, &Error{Op: "isolate files", Err: err}
		}
	}

	ok = true
	return inst, nil
}

func closeBackend(b netif.Backend) {
	if b != nil {
		b.Close()
	}
}

// openNetwork builds the backend for the Net hypercalls. It returns nil when
// networking is off.
func (inst *Instance) openNetwork() (netif.Backend, error) {
	c := &inst.cfg
	if c.Network.Mode == config.NetworkNone {
		return nil, nil
	}
	mac, err := c.GuestMAC()
	if err != nil {
		return nil, err
	}

	var b netif.Backend
	switch c.Network.Mode {
	case config.NetworkUser:
		b, err = netif.NewUserMode(netif.UserModeConfig{
			GuestMAC: mac,
			Hosts:    c.Network.Hosts,
			Upstream: c.Network.Upstream,
			Logger:   inst.log,
		})
	case config.NetworkTap:
		b, err = netif.OpenTap(c.Network.Tap, mac, inst.log)
	default:
		err = fmt.Errorf("%w: unknown network mode %q", hv.ErrConfiguration, c.Network.Mode)
	}
	if err != nil {
		return nil, err
	}

	w := c.packetCapture
	if w == nil && c.Network.Capture != "" {
		f, err := os.Create(c.Network.Capture)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create packet capture: %w", err)
		}
		w = f
	}
	if w == nil {
		return b, nil
	}
	capture, err := netif.NewCapture(b, w)
	if err != nil {
		b.Close()
		if cl, ok := w.(io.Closer); ok {
			cl.Close()
		}
		return nil, err
	}
	inst.log.Info("capturing guest traffic", "mode", c.Network.Mode)
	return capture, nil
}

// Run boots the guest and blocks until it exits. The returned code is the
// guest's exit code, or 255 when the run failed.
func (inst *Instance) Run(ctx context.Context) (int, error) {
	inst.mu.Lock()
	switch {
	case inst.closed:
		inst.mu.Unlock()
		return hv.ExitCodeFatal, ErrAlreadyClosed
	case inst.ran:
		inst.mu.Unlock()
		return hv.ExitCodeFatal, ErrAlreadyRun
	}
	inst.ran = true
	inst.mu.Unlock()

	if inst.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, inst.cfg.timeout,
			fmt.Errorf("guest did not exit within %s", inst.cfg.timeout))
		defer cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if target := inst.vm.DebugTarget(); target != nil {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(inst.cfg.GDBPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return hv.ExitCodeFatal, &Error{Op: "listen for debugger", Path: addr, Err: fmt.Errorf("%w: %w", hv.ErrHostIO, err)}
		}
		srv := &gdb.Server{Target: target, Logger: inst.log}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(runCtx, ln); err != nil {
				inst.log.Error("debug bridge stopped", "error", err)
			}
		}()
	}

	start := time.Now()
	code, err := inst.vm.Run(runCtx)
	cancel()
	wg.Wait()

	inst.log.Debug("guest finished", "code", code, "elapsed", time.Since(start))
	if err != nil {
		return code, &Error{Op: "run", Path: inst.cfg.Kernel, Err: err}
	}
	return code, nil
}

// Output returns what the guest wrote when the console sink is "buffer".
func (inst *Instance) Output() string { return inst.console.Buffered() }

func (inst *Instance) Stats() vmm.Stats { return inst.vm.Stats() }

// DebugTarget exposes core 0 to an in-process debugger. It is nil unless a
// GDB port was configured.
func (inst *Instance) DebugTarget() gdb.Target { return inst.vm.DebugTarget() }

// Shutdown makes a running guest exit with code.
func (inst *Instance) Shutdown(code int) { inst.vm.Shutdown(code) }

func (inst *Instance) Close() error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return ErrAlreadyClosed
	}
	inst.closed = true
	inst.mu.Unlock()
	return inst.cleanup()
}

func (inst *Instance) cleanup() error {
	var errs []error
	if inst.vm != nil {
		errs = append(errs, inst.vm.Close())
	}
	if inst.console != nil {
		errs = append(errs, inst.console.Close())
	}
	if inst.hv != nil && inst.ownHV {
		errs = append(errs, inst.hv.Close())
	}
	return errors.Join(errs...)
}
