package loader

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tinyrange/ukvm/internal/hv"
)

const (
	// BootInfoAddr is the guest physical address of the boot information
	// block. The boot vCPU receives it in rdi.
	BootInfoAddr = 0x9000
	BootInfoSize = 0x48

	BootInfoMagic   = 0x544f4f424d564b55 // "UKVMBOOT"
	BootInfoVersion = 1

	// CPUOnlineOffset is the offset of the online vCPU counter. The
	// coordinator bumps it each time a core starts so the guest can wait for
	// its secondaries.
	CPUOnlineOffset = 0x38

	// TSCKHzOffset is the offset of the TSC frequency. It is filled in once
	// the backend vCPUs exist.
	TSCKHzOffset = 0x30
)

// BootInfo is the block the guest reads at boot to learn about its machine.
//
//	0x00 magic        u64
//	0x08 version      u32
//	0x0c cpu_count    u32
//	0x10 mem_size     u64
//	0x18 image_start  u64
//	0x20 image_end    u64
//	0x28 boot_time_ns i64
//	0x30 tsc_khz      u32
//	0x34 uart_port    u16
//	0x36 hcall_base   u16
//	0x38 cpu_online   u32
//	0x40 stack_size   u64
type BootInfo struct {
	CPUCount      uint32
	MemSize       uint64
	ImageStart    uint64
	ImageEnd      uint64
	BootTime      time.Time
	TSCKHz        uint32
	UARTPort      uint16
	HypercallBase uint16
	CPUOnline     uint32
	StackSize     uint64
}

func (b BootInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BootInfoSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0x00:], BootInfoMagic)
	le.PutUint32(buf[0x08:], BootInfoVersion)
	le.PutUint32(buf[0x0c:], b.CPUCount)
	le.PutUint64(buf[0x10:], b.MemSize)
	le.PutUint64(buf[0x18:], b.ImageStart)
	le.PutUint64(buf[0x20:], b.ImageEnd)
	var ns int64
	if !b.BootTime.IsZero() {
		ns = b.BootTime.UnixNano()
	}
	le.PutUint64(buf[0x28:], uint64(ns))
	le.PutUint32(buf[TSCKHzOffset:], b.TSCKHz)
	le.PutUint16(buf[0x34:], b.UARTPort)
	le.PutUint16(buf[0x36:], b.HypercallBase)
	le.PutUint32(buf[CPUOnlineOffset:], b.CPUOnline)
	le.PutUint64(buf[0x40:], b.StackSize)
	return buf, nil
}

func (b *BootInfo) UnmarshalBinary(data []byte) error {
	if len(data) < BootInfoSize {
		return fmt.Errorf("boot info too short: %d bytes", len(data))
	}
	le := binary.LittleEndian
	if magic := le.Uint64(data[0x00:]); magic != BootInfoMagic {
		return fmt.Errorf("bad boot info magic %#x", magic)
	}
	if v := le.Uint32(data[0x08:]); v != BootInfoVersion {
		return fmt.Errorf("unsupported boot info version %d", v)
	}
	b.CPUCount = le.Uint32(data[0x0c:])
	b.MemSize = le.Uint64(data[0x10:])
	b.ImageStart = le.Uint64(data[0x18:])
	b.ImageEnd = le.Uint64(data[0x20:])
	if ns := int64(le.Uint64(data[0x28:])); ns != 0 {
		b.BootTime = time.Unix(0, ns)
	} else {
		b.BootTime = time.Time{}
	}
	b.TSCKHz = le.Uint32(data[TSCKHzOffset:])
	b.UARTPort = le.Uint16(data[0x34:])
	b.HypercallBase = le.Uint16(data[0x36:])
	b.CPUOnline = le.Uint32(data[CPUOnlineOffset:])
	b.StackSize = le.Uint64(data[0x40:])
	return nil
}

// WriteTo stores the block at addr.
func (b BootInfo) WriteTo(mem *hv.GuestAddressSpace, addr uint64) error {
	buf, _ := b.MarshalBinary()
	if err := mem.Write(addr, buf); err != nil {
		return fmt.Errorf("write boot info: %w", err)
	}
	return nil
}

// ReadBootInfo decodes the block stored at addr.
func ReadBootInfo(mem *hv.GuestAddressSpace, addr uint64) (BootInfo, error) {
	buf := make([]byte, BootInfoSize)
	if err := mem.Read(addr, buf); err != nil {
		return BootInfo{}, fmt.Errorf("read boot info: %w", err)
	}
	var b BootInfo
	if err := b.UnmarshalBinary(buf); err != nil {
		return BootInfo{}, err
	}
	return b, nil
}

// SetTSCKHz records the TSC frequency the guest should calibrate against.
func SetTSCKHz(mem *hv.GuestAddressSpace, addr uint64, khz uint32) error {
	return mem.PutUint32(addr+TSCKHzOffset, khz)
}

// SetCPUOnline publishes the number of started vCPUs to the guest.
func SetCPUOnline(mem *hv.GuestAddressSpace, addr uint64, n uint32) error {
	return mem.PutUint32(addr+CPUOnlineOffset, n)
}
