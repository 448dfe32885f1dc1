package hv

import (
	"context"
	"fmt"
	"io"
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Special Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
	RegisterAMD64Cs
	RegisterAMD64Ss
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64FsBase
	RegisterAMD64GsBase
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cr0:    "cr0",
	RegisterAMD64Cr2:    "cr2",
	RegisterAMD64Cr3:    "cr3",
	RegisterAMD64Cr4:    "cr4",
	RegisterAMD64Efer:   "efer",
	RegisterAMD64Cs:     "cs",
	RegisterAMD64Ss:     "ss",
	RegisterAMD64Ds:     "ds",
	RegisterAMD64Es:     "es",
	RegisterAMD64Fs:     "fs",
	RegisterAMD64Gs:     "gs",
	RegisterAMD64FsBase: "fs_base",
	RegisterAMD64GsBase: "gs_base",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// BootState is the register state a vCPU starts executing with: 64-bit long
// mode, paging enabled with the given page table root and flat segments
// taken from the GDT at GDTBase.
type BootState struct {
	Entry     uint64
	Stack     uint64
	PageTable uint64

	GDTBase      uint64
	GDTLimit     uint16
	CodeSelector uint16
	DataSelector uint16

	// Passed to the guest in rdi and rsi.
	Arg0 uint64
	Arg1 uint64
}

// DebugControl configures hardware assisted guest debugging.
type DebugControl struct {
	Enable bool

	// SingleStep traps after every guest instruction.
	SingleStep bool

	// SoftwareBreakpoints reports int3 as ExitDebug instead of delivering it
	// to the guest.
	SoftwareBreakpoints bool
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Boot loads the initial long mode state. Secondary cores are booted
	// with their own entry point and stack before their first RunStep.
	Boot(state BootState) error

	// RunStep executes guest code until the next trap. Cancelling ctx
	// interrupts a running step.
	RunStep(ctx context.Context) (ExitEvent, error)

	// RequestExit forces the current or next RunStep to return
	// ExitInterrupted. It may be called from any goroutine.
	RequestExit()

	SetDebug(ctl DebugControl) error
}

// TSCReporter is implemented by vCPUs that know the time stamp counter
// frequency the guest observes.
type TSCReporter interface {
	TSCKHz() (uint32, error)
}

type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	Memory() *GuestAddressSpace
	CPUCount() int

	// MapMemory makes [addr, addr+size) of the address space visible to the
	// guest. Ranges must not overlap previously mapped ranges.
	MapMemory(addr, size uint64) error

	// MemorySlots is the number of distinct ranges MapMemory accepts.
	MemorySlots() int

	// VirtualCPUCall runs f on the host thread that owns vCPU id.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMConfig interface {
	// Assume all methods here will be treated aw dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	Memory() *GuestAddressSpace

	// LazyMemory leaves guest memory unmapped at creation. Unmapped accesses
	// surface as ExitMemoryFault until the range is passed to MapMemory.
	LazyMemory() bool
}

type SimpleVMConfig struct {
	NumCPUs int
	Mem     *GuestAddressSpace
	Lazy    bool
}

func (c SimpleVMConfig) CPUCount() int              { return c.NumCPUs }
func (c SimpleVMConfig) Memory() *GuestAddressSpace { return c.Mem }
func (c SimpleVMConfig) LazyMemory() bool           { return c.Lazy }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
