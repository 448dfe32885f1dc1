package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/ukvm/internal/gdb"
	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/loader"
	"github.com/tinyrange/ukvm/internal/paging"
)

type RunState int32

const (
	StateCreated RunState = iota
	StateRunning
	StatePaused
	StateHalted
	StateShuttingDown
)

func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	case StateShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// core drives one vCPU. Its run method owns the vCPU thread for the lifetime
// of the VM.
type core struct {
	id int
	vm *VM

	state atomic.Int32

	start    chan hv.BootState
	wake     chan struct{}
	kicks    chan struct{}
	launched atomic.Bool

	runTime atomic.Int64

	mu   sync.Mutex
	vcpu hv.VirtualCPU
}

func newCore(vm *VM, id int) *core {
	return &core{
		id:    id,
		vm:    vm,
		start: make(chan hv.BootState, 1),
		wake:  make(chan struct{}, 1),
		kicks: make(chan struct{}, 1),
	}
}

func (c *core) State() RunState { return RunState(c.state.Load()) }

func (c *core) setState(s RunState) { c.state.Store(int32(s)) }

// kick forces the core out of guest mode, or out of a halt, so it notices a
// pending pause request.
func (c *core) kick() {
	c.mu.Lock()
	vcpu := c.vcpu
	c.mu.Unlock()
	if vcpu != nil {
		vcpu.RequestExit()
	}
	select {
	case c.kicks <- struct{}{}:
	default:
	}
}

func (c *core) debugging() bool { return c.id == 0 && c.vm.debug != nil }

// fault stops the VM with a GuestFault attributed to this core.
func (c *core) fault(addr uint64, reason string, err error) error {
	return c.vm.fail(&hv.GuestFaultError{CPU: c.id, Addr: addr, Reason: reason, Err: err})
}

func (c *core) rip(vcpu hv.VirtualCPU) uint64 {
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
	if err := vcpu.GetRegisters(regs); err != nil {
		return 0
	}
	return reg64(regs, hv.RegisterAMD64Rip)
}

// run boots the vCPU and services its exits until the VM stops. Guest faults
// are reported through the VM and never returned.
func (c *core) run(ctx context.Context, vcpu hv.VirtualCPU) error {
	var boot hv.BootState
	if c.id == 0 {
		boot = c.vm.image.Boot
	} else {
		select {
		case boot = <-c.start:
		case <-ctx.Done():
			return nil
		}
	}

	c.mu.Lock()
	c.vcpu = vcpu
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.vcpu = nil
		c.mu.Unlock()
		c.setState(StateShuttingDown)
	}()

	if err := vcpu.Boot(boot); err != nil {
		return fmt.Errorf("vmm: boot cpu %d: %w", c.id, err)
	}
	online := c.vm.online.Add(1)
	if err := loader.SetCPUOnline(c.vm.mem, loader.BootInfoAddr, online); err != nil {
		return fmt.Errorf("vmm: publish cpu %d online: %w", c.id, err)
	}
	c.vm.log.Debug("vmm: cpu online", "cpu", c.id, "entry", fmt.Sprintf("0x%x", boot.Entry))
	c.setState(StateRunning)

	if c.debugging() {
		if err := vcpu.SetDebug(hv.DebugControl{Enable: true, SoftwareBreakpoints: true}); err != nil {
			return fmt.Errorf("vmm: enable debugging on cpu %d: %w", c.id, err)
		}
		if err := c.vm.debug.park(ctx, c, vcpu, gdb.Stop{Reason: gdb.StopTrap, PC: boot.Entry}); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.debugging() && c.vm.debug.pauseRequested() {
			if err := c.vm.debug.park(ctx, c, vcpu, gdb.Stop{Reason: gdb.StopInterrupt}); err != nil {
				return err
			}
			continue
		}

		begin := time.Now()
		exit, err := vcpu.RunStep(ctx)
		c.runTime.Add(int64(time.Since(begin)))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.vm.countExit(exit.Kind())

		stop, err := c.handle(ctx, vcpu, exit)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// handle services one exit and reports whether the core should stop.
func (c *core) handle(ctx context.Context, vcpu hv.VirtualCPU, exit hv.ExitEvent) (bool, error) {
	switch e := exit.(type) {
	case hv.ExitIO:
		res, err := c.vm.dispatcher.Handle(ctx, c.id, e)
		if err != nil {
			var fault *hv.GuestFaultError
			if errors.As(err, &fault) {
				c.vm.fail(err)
			} else {
				c.fault(uint64(e.Port), "hypercall failed", err)
			}
			return true, nil
		}
		if res.Exit {
			c.vm.log.Debug("vmm: guest exit", "cpu", c.id, "code", res.Code)
			c.vm.finish(res.Code, nil)
			return true, nil
		}
		return false, nil

	case hv.ExitMemoryFault:
		return c.memoryFault(e)

	case hv.ExitHalt:
		return c.halt(ctx, vcpu)

	case hv.ExitInterrupted:
		return false, nil

	case hv.ExitDebug:
		if !c.debugging() {
			c.fault(e.PC, fmt.Sprintf("unexpected debug exception %d", e.Exception), nil)
			return true, nil
		}
		err := c.vm.debug.park(ctx, c, vcpu, gdb.Stop{Reason: gdb.StopTrap, PC: e.PC})
		return false, err

	case hv.ExitShutdown:
		if e.TripleFault {
			c.fault(c.rip(vcpu), "triple fault", nil)
			return true, nil
		}
		c.vm.finish(0, nil)
		return true, nil

	case hv.ExitUnknown:
		if e.EmulationFailure && c.vm.pager != nil {
			added, err := c.pageInUnbacked(vcpu)
			if err != nil {
				c.fault(c.rip(vcpu), "demand paging failed", err)
				return true, nil
			}
			if added > 0 {
				return false, nil
			}
		}
		c.fault(c.rip(vcpu), e.Reason, nil)
		return true, nil

	default:
		c.fault(c.rip(vcpu), fmt.Sprintf("unhandled exit %s", exit.Kind()), nil)
		return true, nil
	}
}

func (c *core) memoryFault(e hv.ExitMemoryFault) (bool, error) {
	size := c.vm.mem.Size()
	class := classifyFault(size, c.vm.pager, e)
	if class != faultDemand {
		c.fault(e.Addr, "memory access "+class.String(), nil)
		return true, nil
	}

	last := e.Addr + uint64(max(len(e.Data), 1)) - 1
	for _, addr := range []uint64{e.Addr, last} {
		if err := c.vm.pager.ensure(addr); err != nil {
			c.fault(e.Addr, "demand paging failed", err)
			return true, nil
		}
	}

	// The access was decoded as MMIO, so it is completed here.
	var err error
	if e.Write {
		err = c.vm.mem.Write(e.Addr, e.Data)
	} else {
		err = c.vm.mem.Read(e.Addr, e.Data)
	}
	if err != nil {
		c.fault(e.Addr, "complete paged access", err)
		return true, nil
	}
	return false, nil
}

// maxInsnLen is the longest x86 instruction.
const maxInsnLen = 15

// pageInUnbacked handles an access the backend could not emulate. The
// backend does not say which address it needed, so the instruction at RIP
// and the tables translating it are paged in first. If those were already
// registered the rest of guest memory is. It returns the number of chunks
// added; zero means the failure has another cause.
func (c *core) pageInUnbacked(vcpu hv.VirtualCPU) (int, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: nil,
		hv.RegisterAMD64Cr3: nil,
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		return 0, fmt.Errorf("read registers: %w", err)
	}
	rip := reg64(regs, hv.RegisterAMD64Rip)
	cr3 := reg64(regs, hv.RegisterAMD64Cr3)

	var addrs []uint64
	for _, va := range []uint64{rip, rip + maxInsnLen - 1} {
		phys, tables, err := paging.Trace(c.vm.mem, cr3, va)
		addrs = append(addrs, tables...)
		if err == nil {
			addrs = append(addrs, phys)
		}
	}
	added, err := c.vm.pager.pageIn(addrs...)
	if err != nil || added > 0 {
		return added, err
	}

	added, err = c.vm.pager.mapAll()
	if added > 0 {
		c.vm.log.Warn("vmm: unresolved emulation failure, registered all guest memory",
			"cpu", c.id, "rip", fmt.Sprintf("0x%x", rip), "chunks", added)
	}
	return added, err
}

// halt parks the core until another core wakes it. The VM is idle once core
// 0 and every started core sit here.
func (c *core) halt(ctx context.Context, vcpu hv.VirtualCPU) (bool, error) {
	halted, idle := c.vm.barrier.halt(c.id)
	if !halted {
		return false, nil
	}
	c.setState(StateHalted)
	if idle {
		c.vm.log.Debug("vmm: all cpus halted")
		return true, nil
	}

	for {
		select {
		case <-c.wake:
		case <-c.kicks:
			if !c.debugging() || !c.vm.debug.pauseRequested() {
				continue
			}
			c.vm.barrier.resume(c.id)
			if err := c.vm.debug.park(ctx, c, vcpu, gdb.Stop{Reason: gdb.StopInterrupt}); err != nil {
				return true, err
			}
			select {
			case <-c.wake:
			default:
			}
		case <-ctx.Done():
			return true, nil
		}
		c.setState(StateRunning)
		return false, nil
	}
}
