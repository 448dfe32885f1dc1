package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/ukvm/internal/gdb"
	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/paging"
)

var errCPURunning = errors.New("vmm: cpu 0 is running")

// gprOrder lists the general purpose registers in GDB order.
var gprOrder = [16]hv.Register{
	hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx, hv.RegisterAMD64Rcx, hv.RegisterAMD64Rdx,
	hv.RegisterAMD64Rsi, hv.RegisterAMD64Rdi, hv.RegisterAMD64Rbp, hv.RegisterAMD64Rsp,
	hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10, hv.RegisterAMD64R11,
	hv.RegisterAMD64R12, hv.RegisterAMD64R13, hv.RegisterAMD64R14, hv.RegisterAMD64R15,
}

var segOrder = [6]hv.Register{
	hv.RegisterAMD64Cs, hv.RegisterAMD64Ss, hv.RegisterAMD64Ds,
	hv.RegisterAMD64Es, hv.RegisterAMD64Fs, hv.RegisterAMD64Gs,
}

const cr0PG = 1 << 31

func reg64(regs map[hv.Register]hv.RegisterValue, r hv.Register) uint64 {
	v, _ := regs[r].(hv.Register64)
	return uint64(v)
}

type debugCmd struct {
	f    func(vcpu hv.VirtualCPU) error
	done chan error
}

// debugTarget exposes core 0 to the debug bridge. Register access is
// executed by the core goroutine itself while it is parked.
type debugTarget struct {
	vm   *VM
	core *core

	stops  chan gdb.Stop
	resume chan bool
	cmds   chan debugCmd

	pauseReq atomic.Bool

	mu     sync.Mutex
	paused bool
	exited bool
	last   gdb.Stop
	cr0    uint64
	cr3    uint64
}

var _ gdb.Target = (*debugTarget)(nil)

func newDebugTarget(vm *VM, c *core) *debugTarget {
	return &debugTarget{
		vm:     vm,
		core:   c,
		stops:  make(chan gdb.Stop, 1),
		resume: make(chan bool),
		cmds:   make(chan debugCmd),
	}
}

func (d *debugTarget) pauseRequested() bool { return d.pauseReq.Load() }

// publish replaces any undelivered stop with st.
func (d *debugTarget) publish(st gdb.Stop) {
	select {
	case <-d.stops:
	default:
	}
	select {
	case d.stops <- st:
	default:
	}
}

func (d *debugTarget) drain() {
	select {
	case <-d.stops:
	default:
	}
}

// park holds core 0 in the Paused state until the debugger resumes it or
// the VM stops.
func (d *debugTarget) park(ctx context.Context, c *core, vcpu hv.VirtualCPU, stop gdb.Stop) error {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: nil,
		hv.RegisterAMD64Cr0: nil,
		hv.RegisterAMD64Cr3: nil,
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		return fmt.Errorf("vmm: snapshot cpu %d: %w", c.id, err)
	}
	if stop.PC == 0 {
		stop.PC = reg64(regs, hv.RegisterAMD64Rip)
	}

	d.mu.Lock()
	d.paused = true
	d.pauseReq.Store(false)
	d.last = stop
	d.cr0 = reg64(regs, hv.RegisterAMD64Cr0)
	d.cr3 = reg64(regs, hv.RegisterAMD64Cr3)
	d.mu.Unlock()

	c.setState(StatePaused)
	d.publish(stop)
	d.vm.log.Debug("vmm: cpu paused", "cpu", c.id, "pc", fmt.Sprintf("0x%x", stop.PC))

	for {
		select {
		case cmd := <-d.cmds:
			cmd.done <- cmd.f(vcpu)
		case step := <-d.resume:
			if err := vcpu.SetDebug(hv.DebugControl{Enable: true, SingleStep: step, SoftwareBreakpoints: true}); err != nil {
				return fmt.Errorf("vmm: configure debugging on cpu %d: %w", c.id, err)
			}
			c.setState(StateRunning)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// exit reports the end of the guest to a waiting debugger.
func (d *debugTarget) exit(code int) {
	st := gdb.Stop{Reason: gdb.StopExited, Code: code}
	d.mu.Lock()
	d.exited = true
	d.last = st
	d.mu.Unlock()
	d.publish(st)
}

func (d *debugTarget) Stops() <-chan gdb.Stop { return d.stops }

func (d *debugTarget) Halt(ctx context.Context) (gdb.Stop, error) {
	d.mu.Lock()
	if d.paused || d.exited {
		st := d.last
		d.mu.Unlock()
		d.drain()
		return st, nil
	}
	d.pauseReq.Store(true)
	d.mu.Unlock()
	d.core.kick()

	select {
	case st := <-d.stops:
		return st, nil
	case <-ctx.Done():
		return gdb.Stop{}, ctx.Err()
	}
}

// Interrupt asks a running core 0 to stop. The stop arrives on Stops.
func (d *debugTarget) Interrupt() error {
	d.mu.Lock()
	if d.paused || d.exited {
		d.mu.Unlock()
		return nil
	}
	d.pauseReq.Store(true)
	d.mu.Unlock()
	d.core.kick()
	return nil
}

func (d *debugTarget) Resume(step bool) error {
	d.mu.Lock()
	if d.exited {
		d.mu.Unlock()
		return hv.ErrVMHalted
	}
	if !d.paused {
		d.mu.Unlock()
		return errCPURunning
	}
	d.paused = false
	d.mu.Unlock()

	d.drain()
	select {
	case d.resume <- step:
		return nil
	case <-d.vm.done:
		return hv.ErrVMHalted
	}
}

// do runs f on the parked core goroutine.
func (d *debugTarget) do(f func(vcpu hv.VirtualCPU) error) error {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if !paused {
		return errCPURunning
	}

	cmd := debugCmd{f: f, done: make(chan error, 1)}
	select {
	case d.cmds <- cmd:
	case <-d.vm.done:
		return hv.ErrVMHalted
	}
	select {
	case err := <-cmd.done:
		return err
	case <-d.vm.done:
		return hv.ErrVMHalted
	}
}

func (d *debugTarget) ReadRegisters() (gdb.Registers, error) {
	var out gdb.Registers
	err := d.do(func(vcpu hv.VirtualCPU) error {
		regs := make(map[hv.Register]hv.RegisterValue, len(gprOrder)+len(segOrder)+2)
		for _, r := range gprOrder {
			regs[r] = nil
		}
		for _, r := range segOrder {
			regs[r] = nil
		}
		regs[hv.RegisterAMD64Rip] = nil
		regs[hv.RegisterAMD64Rflags] = nil
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}
		for i, r := range gprOrder {
			out.GPR[i] = reg64(regs, r)
		}
		for i, r := range segOrder {
			out.Seg[i] = uint32(reg64(regs, r))
		}
		out.RIP = reg64(regs, hv.RegisterAMD64Rip)
		out.EFLAGS = uint32(reg64(regs, hv.RegisterAMD64Rflags))
		return nil
	})
	return out, err
}

// WriteRegisters updates the general purpose registers, rip and rflags.
// Segment selectors are left alone.
func (d *debugTarget) WriteRegisters(in gdb.Registers) error {
	return d.do(func(vcpu hv.VirtualCPU) error {
		regs := make(map[hv.Register]hv.RegisterValue, len(gprOrder)+2)
		for i, r := range gprOrder {
			regs[r] = hv.Register64(in.GPR[i])
		}
		regs[hv.RegisterAMD64Rip] = hv.Register64(in.RIP)
		regs[hv.RegisterAMD64Rflags] = hv.Register64(in.EFLAGS)
		return vcpu.SetRegisters(regs)
	})
}

// translate maps a guest virtual address to a physical one using the page
// tables active at the last stop.
func (d *debugTarget) translate(addr uint64) (uint64, error) {
	d.mu.Lock()
	cr0, cr3 := d.cr0, d.cr3
	d.mu.Unlock()
	if cr0&cr0PG == 0 {
		return addr, nil
	}
	return paging.Walk(d.vm.mem, cr3, addr)
}

// access runs f over [addr, addr+len(p)) one page at a time so each piece
// is translated separately.
func (d *debugTarget) access(addr uint64, p []byte, f func(phys uint64, chunk []byte) error) error {
	for len(p) > 0 {
		n := min(uint64(len(p)), paging.PageSize-addr%paging.PageSize)
		phys, err := d.translate(addr)
		if err != nil {
			return err
		}
		if err := f(phys, p[:n]); err != nil {
			return err
		}
		addr += n
		p = p[n:]
	}
	return nil
}

func (d *debugTarget) ReadMemory(addr uint64, p []byte) error {
	return d.access(addr, p, d.vm.mem.Read)
}

func (d *debugTarget) WriteMemory(addr uint64, p []byte) error {
	return d.access(addr, p, d.vm.mem.Write)
}

func (d *debugTarget) PatchByte(addr uint64, b byte) (byte, error) {
	phys, err := d.translate(addr)
	if err != nil {
		return 0, err
	}
	return d.vm.mem.PatchByte(phys, b)
}

// Kill stops the VM as if it had failed.
func (d *debugTarget) Kill() error {
	d.vm.log.Info("vmm: killed by debugger")
	d.vm.Shutdown(hv.ExitCodeFatal)
	return nil
}
