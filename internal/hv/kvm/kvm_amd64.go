//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/ukvm/internal/hv"
	"golang.org/x/sys/unix"
)

var (
	regularRegisters = map[hv.Register]func(*kvmRegs) *uint64{
		hv.RegisterAMD64Rax:    func(r *kvmRegs) *uint64 { return &r.Rax },
		hv.RegisterAMD64Rbx:    func(r *kvmRegs) *uint64 { return &r.Rbx },
		hv.RegisterAMD64Rcx:    func(r *kvmRegs) *uint64 { return &r.Rcx },
		hv.RegisterAMD64Rdx:    func(r *kvmRegs) *uint64 { return &r.Rdx },
		hv.RegisterAMD64Rsi:    func(r *kvmRegs) *uint64 { return &r.Rsi },
		hv.RegisterAMD64Rdi:    func(r *kvmRegs) *uint64 { return &r.Rdi },
		hv.RegisterAMD64Rsp:    func(r *kvmRegs) *uint64 { return &r.Rsp },
		hv.RegisterAMD64Rbp:    func(r *kvmRegs) *uint64 { return &r.Rbp },
		hv.RegisterAMD64R8:     func(r *kvmRegs) *uint64 { return &r.R8 },
		hv.RegisterAMD64R9:     func(r *kvmRegs) *uint64 { return &r.R9 },
		hv.RegisterAMD64R10:    func(r *kvmRegs) *uint64 { return &r.R10 },
		hv.RegisterAMD64R11:    func(r *kvmRegs) *uint64 { return &r.R11 },
		hv.RegisterAMD64R12:    func(r *kvmRegs) *uint64 { return &r.R12 },
		hv.RegisterAMD64R13:    func(r *kvmRegs) *uint64 { return &r.R13 },
		hv.RegisterAMD64R14:    func(r *kvmRegs) *uint64 { return &r.R14 },
		hv.RegisterAMD64R15:    func(r *kvmRegs) *uint64 { return &r.R15 },
		hv.RegisterAMD64Rip:    func(r *kvmRegs) *uint64 { return &r.Rip },
		hv.RegisterAMD64Rflags: func(r *kvmRegs) *uint64 { return &r.Rflags },
	}

	specialRegisters = map[hv.Register]func(*kvmSRegs) *uint64{
		hv.RegisterAMD64Cr0:    func(s *kvmSRegs) *uint64 { return &s.Cr0 },
		hv.RegisterAMD64Cr2:    func(s *kvmSRegs) *uint64 { return &s.Cr2 },
		hv.RegisterAMD64Cr3:    func(s *kvmSRegs) *uint64 { return &s.Cr3 },
		hv.RegisterAMD64Cr4:    func(s *kvmSRegs) *uint64 { return &s.Cr4 },
		hv.RegisterAMD64Efer:   func(s *kvmSRegs) *uint64 { return &s.Efer },
		hv.RegisterAMD64FsBase: func(s *kvmSRegs) *uint64 { return &s.Fs.Base },
		hv.RegisterAMD64GsBase: func(s *kvmSRegs) *uint64 { return &s.Gs.Base },
	}

	segmentRegisters = map[hv.Register]func(*kvmSRegs) *kvmSegment{
		hv.RegisterAMD64Cs: func(s *kvmSRegs) *kvmSegment { return &s.Cs },
		hv.RegisterAMD64Ss: func(s *kvmSRegs) *kvmSegment { return &s.Ss },
		hv.RegisterAMD64Ds: func(s *kvmSRegs) *kvmSegment { return &s.Ds },
		hv.RegisterAMD64Es: func(s *kvmSRegs) *kvmSegment { return &s.Es },
		hv.RegisterAMD64Fs: func(s *kvmSRegs) *kvmSegment { return &s.Fs },
		hv.RegisterAMD64Gs: func(s *kvmSRegs) *kvmSegment { return &s.Gs },
	}
)

func isSpecialRegister(reg hv.Register) bool {
	_, special := specialRegisters[reg]
	_, segment := segmentRegisters[reg]
	return special || segment
}

func classifyRegisters(regs map[hv.Register]hv.RegisterValue) (regular, special bool, err error) {
	for reg := range regs {
		switch {
		case regularRegisters[reg] != nil:
			regular = true
		case isSpecialRegister(reg):
			special = true
		default:
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}
	return regular, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := classifyRegisters(regs)
	if err != nil {
		return err
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, val := range regs {
			if field := regularRegisters[reg]; field != nil {
				*field(&regularRegs) = uint64(val.(hv.Register64))
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg, val := range regs {
			if field := specialRegisters[reg]; field != nil {
				*field(&specialRegs) = uint64(val.(hv.Register64))
			}
			if seg := segmentRegisters[reg]; seg != nil {
				seg(&specialRegs).Selector = uint16(val.(hv.Register64))
			}
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := classifyRegisters(regs)
	if err != nil {
		return err
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			if field := regularRegisters[reg]; field != nil {
				regs[reg] = hv.Register64(*field(&regularRegs))
			}
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if field := specialRegisters[reg]; field != nil {
				regs[reg] = hv.Register64(*field(&specialRegs))
			}
			if seg := segmentRegisters[reg]; seg != nil {
				regs[reg] = hv.Register64(seg(&specialRegs).Selector)
			}
		}
	}

	return nil
}

// RunStep implements hv.VirtualCPU.
func (v *virtualCPU) RunStep(ctx context.Context) (hv.ExitEvent, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, v.RequestExit)
		defer stop()
	}

	run := v.runData()

	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
	if errors.Is(err, unix.EINTR) {
		// The kick has been consumed; later steps run normally until
		// the next RequestExit.
		run.immediate_exit = 0
		return hv.ExitInterrupted{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		end := ioData.dataOffset + uint64(ioData.size)*uint64(ioData.count)
		if end > uint64(len(v.run)) {
			return nil, fmt.Errorf("kvm: vCPU %d: I/O data at 0x%x outside kvm_run", v.id, ioData.dataOffset)
		}

		return hv.ExitIO{
			Port:  ioData.port,
			Write: ioData.direction == kvmExitIoOut,
			Size:  int(ioData.size),
			Data:  v.run[ioData.dataOffset:end],
		}, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		n := min(int(mmioData.len), len(mmioData.data))

		return hv.ExitMemoryFault{
			Addr:  mmioData.physAddr,
			Write: mmioData.isWrite != 0,
			Data:  mmioData.data[:n],
		}, nil
	case kvmExitHlt:
		return hv.ExitHalt{}, nil
	case kvmExitDebug:
		dbg := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitDebug{PC: dbg.Pc, Exception: dbg.Exception}, nil
	case kvmExitIntr:
		return hv.ExitInterrupted{}, nil
	case kvmExitShutdown:
		return hv.ExitShutdown{TripleFault: true}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset:
			return hv.ExitShutdown{}, nil
		case kvmSystemEventCrash:
			return hv.ExitShutdown{TripleFault: true}, nil
		}
		return hv.ExitUnknown{Reason: fmt.Sprintf("%s type %d", reason, system.typ)}, nil
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitUnknown{
			Reason:           fmt.Sprintf("%s: %s", reason, ierr.Suberror),
			EmulationFailure: ierr.Suberror == internalErrorEmulation || ierr.Suberror == internalErrorEventDelivery,
		}, nil
	case kvmExitFailEntry:
		fail := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitUnknown{Reason: fmt.Sprintf("%s: hardware reason 0x%x", reason, fail.hardwareEntryFailureReason)}, nil
	default:
		return hv.ExitUnknown{Reason: reason.String()}, nil
	}
}

// TSCKHz implements hv.TSCReporter.
func (v *virtualCPU) TSCKHz() (uint32, error) {
	khz, err := reqGetTSCKHz.call(v.fd, 0)
	if err != nil {
		return 0, err
	}
	return uint32(khz), nil
}

var _ hv.TSCReporter = (*virtualCPU)(nil)

// SetDebug implements hv.VirtualCPU.
func (v *virtualCPU) SetDebug(ctl hv.DebugControl) error {
	var dbg kvmGuestDebug
	if ctl.Enable {
		dbg.Control = kvmGuestDbgEnable
		if ctl.SingleStep {
			dbg.Control |= kvmGuestDbgSingleStep
		}
		if ctl.SoftwareBreakpoints {
			dbg.Control |= kvmGuestDbgUseSwBp
		}
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("kvm: set guest debug on vCPU %d: %w", v.id, err)
	}
	return nil
}

const (
	tssAddress         = 0xfffbd000
	identityMapAddress = 0xfffbc000
)

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setIdentityMapAddr(vm.vmFd, identityMapAddress); err != nil {
		return fmt.Errorf("setting identity map addr: %w", err)
	}

	if err := setTSSAddr(vm.vmFd, tssAddress); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

const cpuidHypervisorBit = 1 << 31

// archVCPUInit exposes the host CPUID with the vCPU's own APIC ID and the
// hypervisor bit set.
func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpu *virtualCPU) error {
	supported, err := hv.supportedCPUID()
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	cpuid := &supportedCPUID{buf: append([]byte(nil), supported.buf...)}
	entries := cpuid.entries()
	for i := range entries {
		e := &entries[i]
		switch e.Function {
		case 1:
			e.Ebx = e.Ebx&0x00ffffff | uint32(vcpu.id)<<24
			e.Ecx |= cpuidHypervisorBit
		case 0xb:
			e.Edx = uint32(vcpu.id)
		}
	}

	if err := setVCPUID(vcpu.fd, cpuid); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_PG = (1 << 31)
)

// CR4 bits
const (
	cr4_PAE        = (1 << 5)
	cr4_OSFXSR     = (1 << 9)
	cr4_OSXMMEXCPT = (1 << 10)
)

// EFER bits
const (
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

// Boot implements hv.VirtualCPU.
func (v *virtualCPU) Boot(state hv.BootState) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr3 = state.PageTable
	sregs.Cr4 |= cr4_PAE | cr4_OSFXSR | cr4_OSXMMEXCPT
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	sregs.Gdt = kvmDTable{Base: state.GDTBase, Limit: state.GDTLimit}

	// 64-bit code segment (CS.L=1, D=0), flat data segments
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: state.CodeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = state.DataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	regs := kvmRegs{
		Rip:    state.Entry,
		Rsp:    state.Stack,
		Rdi:    state.Arg0,
		Rsi:    state.Arg1,
		Rflags: 0x2,
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}
