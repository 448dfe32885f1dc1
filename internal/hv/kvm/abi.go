//go:build linux && amd64

package kvm

import "fmt"

// Layouts of the kernel structures exchanged with /dev/kvm on x86-64.

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRunData is the head of the mmapped struct kvm_run. Exit payloads are
// read from anon0 with the structs below.
type kvmRunData struct {
	request_interrupt_window      uint8
	immediate_exit                uint8
	padding1                      [6]uint8
	exit_reason                   uint32
	ready_for_interrupt_injection uint8
	if_flag                       uint8
	flags                         uint16
	cr8                           uint64
	apic_base                     uint64
	anon0                         [256]byte
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type kvmFailEntry struct {
	hardwareEntryFailureReason uint64
	cpu                        uint32
}

// kvmDebugExitArch is the KVM_EXIT_DEBUG payload.
type kvmDebugExitArch struct {
	Exception uint32
	Pad       uint32
	Pc        uint64
	Dr6       uint64
	Dr7       uint64
}

type internalError struct {
	Suberror internalErrorReason
	Ndata    uint32
	Data     [16]uint64
}

type internalErrorReason uint32

const (
	internalErrorEmulation     internalErrorReason = 1
	internalErrorEventDelivery internalErrorReason = 3
)

func (r internalErrorReason) String() string {
	switch r {
	case 1:
		return "emulation"
	case 2:
		return "simultaneous exceptions"
	case 3:
		return "event delivery"
	case 4:
		return "unexpected exit reason"
	default:
		return fmt.Sprintf("suberror %d", uint32(r))
	}
}

type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

const kvmNrInterrupts = 256

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0, Cr2, Cr3, Cr4     uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
}

// kvmGuestDebug is struct kvm_guest_debug with the x86 arch part inlined.
type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}
