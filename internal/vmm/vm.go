// Package vmm coordinates a unikernel VM: it loads the image, runs one
// goroutine per vCPU and turns guest exits, faults and idle halts into a
// single exit code.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/ukvm/internal/gdb"
	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hypercall"
	"github.com/tinyrange/ukvm/internal/loader"
)

var (
	errAlreadyRun = errors.New("vmm: Run called twice")
	errInvalidCPU = errors.New("invalid cpu")
)

type VM struct {
	cfg Config
	log *slog.Logger

	mem        *hv.GuestAddressSpace
	vm         hv.VirtualMachine
	image      loader.Image
	dispatcher *hypercall.Dispatcher
	pager      *pager
	barrier    *haltBarrier
	cores      []*core
	debug      *debugTarget

	exits   map[hv.ExitKind]*atomic.Uint64
	online  atomic.Uint32
	started atomic.Bool

	mu       sync.Mutex
	done     chan struct{}
	finished bool
	code     int
	err      error

	closeOnce sync.Once
	closeErr  error
}

var _ hypercall.Machine = (*VM)(nil)

// New creates a VM on h and loads the kernel from img. Nothing runs until Run.
func New(h hv.Hypervisor, cfg Config, img loader.Source) (*VM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	v := &VM{
		cfg:     cfg,
		log:     log,
		barrier: newHaltBarrier(cfg.CPUs),
		exits:   make(map[hv.ExitKind]*atomic.Uint64),
		done:    make(chan struct{}),
	}
	for _, k := range hv.ExitKinds() {
		v.exits[k] = new(atomic.Uint64)
	}

	mem, err := hv.NewGuestAddressSpace(cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate guest memory: %w", err)
	}
	v.mem = mem

	v.image, err = loader.Load(mem, img, loader.Options{
		CPUCount:      cfg.CPUs,
		UARTPort:      uint16(hypercall.PortUart),
		HypercallBase: uint16(hypercall.BasePort),
		BootTime:      time.Now(),
	})
	if err != nil {
		mem.Close()
		return nil, err
	}

	v.vm, err = h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: cfg.CPUs,
		Mem:     mem,
		Lazy:    cfg.DemandPaging,
	})
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("vmm: create virtual machine: %w", err)
	}

	if cfg.DemandPaging {
		v.pager = newPager(mem.Size(), v.vm.MemorySlots())
		v.pager.attach(v.vm)
		if err := v.pager.prefault(v.image.End); err != nil {
			v.vm.Close()
			mem.Close()
			return nil, err
		}
	}

	if khz := detectTSCKHz(v.vm, log); khz > 0 {
		if err := loader.SetTSCKHz(mem, loader.BootInfoAddr, khz); err != nil {
			v.vm.Close()
			mem.Close()
			return nil, fmt.Errorf("vmm: publish tsc frequency: %w", err)
		}
	}

	v.cores = make([]*core, cfg.CPUs)
	for i := range v.cores {
		v.cores[i] = newCore(v, i)
	}
	if cfg.Debug {
		v.debug = newDebugTarget(v, v.cores[0])
	}

	v.dispatcher = hypercall.New(mem, v, hypercall.Config{
		Console: cfg.Console,
		Stdin:   cfg.Stdin,
		Files:   cfg.Files,
		Net:     cfg.Net,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Logger:  log,
	})

	log.Info("vmm: created virtual machine",
		"arch", h.Architecture(),
		"cpus", cfg.CPUs,
		"memory", mem.Size(),
		"entry", fmt.Sprintf("0x%x", v.image.Entry),
		"demand_paging", cfg.DemandPaging,
		"debug", cfg.Debug,
	)
	return v, nil
}

func (v *VM) Memory() *hv.GuestAddressSpace { return v.mem }

func (v *VM) Image() loader.Image { return v.image }

// DebugTarget returns core 0 as a debugger target, or nil when the VM was
// created without Debug.
func (v *VM) DebugTarget() gdb.Target {
	if v.debug == nil {
		return nil
	}
	return v.debug
}

// CPUState reports the run state of core id.
func (v *VM) CPUState(id int) RunState {
	if id < 0 || id >= len(v.cores) {
		return StateCreated
	}
	return v.cores[id].State()
}

func (v *VM) CPUCount() int { return len(v.cores) }

// StartCPU boots secondary core id at entry with the given stack.
func (v *VM) StartCPU(id int, entry, stack uint64) error {
	if id <= 0 || id >= len(v.cores) {
		return fmt.Errorf("vmm: start cpu %d: %w: only cpus 1..%d can be started", id, errInvalidCPU, len(v.cores)-1)
	}
	if entry >= v.mem.Size() || stack > v.mem.Size() {
		return fmt.Errorf("vmm: start cpu %d: entry 0x%x or stack 0x%x: %w", id, entry, stack, hv.ErrOutOfBounds)
	}
	c := v.cores[id]
	if !c.launched.CompareAndSwap(false, true) {
		return fmt.Errorf("vmm: start cpu %d: %w: already started", id, errInvalidCPU)
	}

	boot := v.image.Boot
	boot.Entry = entry
	boot.Stack = stack
	boot.Arg0 = v.image.BootInfo
	boot.Arg1 = uint64(id)

	v.barrier.start(id)
	c.start <- boot
	v.log.Debug("vmm: starting cpu", "cpu", id, "entry", fmt.Sprintf("0x%x", entry))
	return nil
}

// WakeCPU resumes a halted core. Waking a running core makes its next halt
// return immediately.
func (v *VM) WakeCPU(id int) error {
	if id < 0 || id >= len(v.cores) {
		return fmt.Errorf("vmm: wake cpu %d: %w: no such cpu", id, errInvalidCPU)
	}
	if !v.barrier.isStarted(id) {
		return fmt.Errorf("vmm: wake cpu %d: %w: not started", id, errInvalidCPU)
	}
	if v.barrier.wake(id) {
		select {
		case v.cores[id].wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (v *VM) countExit(k hv.ExitKind) {
	if c, ok := v.exits[k]; ok {
		c.Add(1)
	}
}

// finish records the outcome of the run. The first call wins.
func (v *VM) finish(code int, err error) {
	v.mu.Lock()
	if v.finished {
		v.mu.Unlock()
		return
	}
	v.finished = true
	v.code = code
	v.err = err
	v.mu.Unlock()

	if err != nil {
		v.log.Error("vmm: stopping virtual machine", "code", code, "error", err)
	} else {
		v.log.Debug("vmm: stopping virtual machine", "code", code)
	}
	if v.debug != nil {
		v.debug.exit(code)
	}
	close(v.done)
}

// fail stops the VM with ExitCodeFatal.
func (v *VM) fail(err error) error {
	v.finish(hv.ExitCodeFatal, err)
	return err
}

// Shutdown stops the VM with code as if the guest had exited.
func (v *VM) Shutdown(code int) { v.finish(code, nil) }

// Done is closed once the outcome of the run is known.
func (v *VM) Done() <-chan struct{} { return v.done }

// Run executes the guest until it exits, faults, every core halts or ctx is
// cancelled. All vCPU goroutines have returned when Run does.
func (v *VM) Run(ctx context.Context) (int, error) {
	if !v.started.CompareAndSwap(false, true) {
		return hv.ExitCodeFatal, errAlreadyRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	v.barrier.start(0)
	v.cores[0].launched.Store(true)
	for _, c := range v.cores {
		g.Go(func() error {
			err := v.vm.VirtualCPUCall(c.id, func(vcpu hv.VirtualCPU) error {
				return c.run(gctx, vcpu)
			})
			if err != nil {
				v.fail(fmt.Errorf("vmm: cpu %d: %w", c.id, err))
			}
			return err
		})
	}

	select {
	case <-v.done:
	case <-v.barrier.Idle():
		v.finish(0, nil)
	case <-gctx.Done():
	}
	cancel()
	waitErr := g.Wait()

	v.mu.Lock()
	finished := v.finished
	v.mu.Unlock()
	if !finished {
		cause := context.Cause(ctx)
		if waitErr != nil {
			cause = waitErr
		}
		if cause == nil {
			cause = errors.New("vmm: all cpus stopped")
		}
		v.finish(hv.ExitCodeFatal, cause)
	}

	if v.cfg.Stats {
		v.log.Info("vmm: statistics", "stats", v.Stats())
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.code, v.err
}

func (v *VM) Stats() Stats {
	s := Stats{
		Exits:      make(map[hv.ExitKind]uint64, len(v.exits)),
		Hypercalls: v.dispatcher.Counts(),
		GuestTime:  make([]time.Duration, len(v.cores)),
	}
	for k, c := range v.exits {
		if n := c.Load(); n > 0 {
			s.Exits[k] = n
		}
	}
	for i, c := range v.cores {
		s.GuestTime[i] = time.Duration(c.runTime.Load())
	}
	if v.pager != nil {
		s.PageIns = v.pager.faults.Load()
	}
	return s
}

// Close releases the backend VM, guest memory and the host resources handed
// over in Config.
func (v *VM) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if v.vm != nil {
			errs = append(errs, v.vm.Close())
		}
		if v.dispatcher != nil {
			errs = append(errs, v.dispatcher.Close())
		}
		if v.cfg.Files != nil {
			errs = append(errs, v.cfg.Files.Close())
		}
		if c, ok := v.cfg.Net.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if v.mem != nil {
			errs = append(errs, v.mem.Close())
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}
