// Package paging writes the boot descriptor and page tables a guest starts
// with and walks guest page tables for the debugger.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ukvm/internal/hv"
)

// Guest physical layout of the boot structures.
const (
	GDTOffset  = 0x1000
	PML4Offset = 0x10000
	PDPTOffset = 0x11000
	PDOffset   = 0x12000

	// MaxIdentityGiB bounds the identity map to one PDPT worth of page
	// directories placed back to back after PDOffset.
	MaxIdentityGiB = 64

	PageSize     = 0x1000
	HugePageSize = 0x200000
	gib          = 1 << 30
)

// Selectors of the boot GDT.
const (
	CodeSelector = 1 << 3
	DataSelector = 2 << 3

	gdtEntries = 3
)

// Page table entry flags.
const (
	Present  = 1 << 0
	Writable = 1 << 1
	User     = 1 << 2
	Huge     = 1 << 7

	addrMask = 0x000f_ffff_ffff_f000
)

// GDTEntry encodes a segment descriptor. flags carries the access byte in its
// low 8 bits and the granularity nibble in bits 12-15.
func GDTEntry(flags uint16, base, limit uint32) uint64 {
	b := uint64(base)
	l := uint64(limit)
	f := uint64(flags)
	return (b&0xff000000)<<32 |
		(f&0x0000f0ff)<<40 |
		(l&0x000f0000)<<32 |
		(b&0x00ffffff)<<16 |
		l&0x0000ffff
}

// TablesEnd is the first guest physical address after the page directories
// needed to identity map memSize bytes.
func TablesEnd(memSize uint64) uint64 {
	return PDOffset + identityGiB(memSize)*PageSize
}

func identityGiB(memSize uint64) uint64 {
	return (memSize + gib - 1) / gib
}

// Setup writes the boot GDT and a 2 MiB identity map covering every GiB that
// contains guest memory, then returns the long mode state shared by every
// vCPU. Entry, stack and arguments are left to the caller.
func Setup(mem *hv.GuestAddressSpace) (hv.BootState, error) {
	size := mem.Size()
	n := identityGiB(size)
	if n > MaxIdentityGiB {
		return hv.BootState{}, fmt.Errorf("paging: %w: %d GiB of memory exceeds the %d GiB identity map", hv.ErrConfiguration, n, MaxIdentityGiB)
	}
	if TablesEnd(size) > size {
		return hv.BootState{}, fmt.Errorf("paging: %w: memory too small for boot page tables", hv.ErrConfiguration)
	}

	gdt := make([]byte, gdtEntries*8)
	binary.LittleEndian.PutUint64(gdt[8:], GDTEntry(0xA09B, 0, 0xFFFFF))
	binary.LittleEndian.PutUint64(gdt[16:], GDTEntry(0xC093, 0, 0xFFFFF))
	if err := mem.Write(GDTOffset, gdt); err != nil {
		return hv.BootState{}, fmt.Errorf("paging: write GDT: %w", err)
	}

	pml4 := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(pml4[0:], PDPTOffset|Present|Writable)
	// Recursive slot, lets the guest edit its tables without a physmap.
	binary.LittleEndian.PutUint64(pml4[511*8:], PML4Offset|Present|Writable)

	pdpt := make([]byte, PageSize)
	pd := make([]byte, PageSize)
	for g := range n {
		pdAddr := PDOffset + g*PageSize
		binary.LittleEndian.PutUint64(pdpt[g*8:], pdAddr|Present|Writable)

		for i := range uint64(512) {
			phys := g*gib + i*HugePageSize
			binary.LittleEndian.PutUint64(pd[i*8:], phys|Present|Writable|Huge)
		}
		if err := mem.Write(pdAddr, pd); err != nil {
			return hv.BootState{}, fmt.Errorf("paging: write page directory %d: %w", g, err)
		}
	}

	if err := mem.Write(PML4Offset, pml4); err != nil {
		return hv.BootState{}, fmt.Errorf("paging: write PML4: %w", err)
	}
	if err := mem.Write(PDPTOffset, pdpt); err != nil {
		return hv.BootState{}, fmt.Errorf("paging: write PDPT: %w", err)
	}

	return hv.BootState{
		PageTable:    PML4Offset,
		GDTBase:      GDTOffset,
		GDTLimit:     gdtEntries*8 - 1,
		CodeSelector: CodeSelector,
		DataSelector: DataSelector,
	}, nil
}

// NotMappedError is returned by Walk when a table entry on the way to vaddr
// is not present.
type NotMappedError struct {
	Addr  uint64
	Level int
}

func (e *NotMappedError) Error() string {
	return fmt.Sprintf("paging: 0x%x not mapped (level %d entry not present)", e.Addr, e.Level)
}

// Walk translates a guest virtual address through the 4-level page tables
// rooted at cr3.
func Walk(mem *hv.GuestAddressSpace, cr3, vaddr uint64) (uint64, error) {
	phys, _, err := Trace(mem, cr3, vaddr)
	return phys, err
}

// Trace is Walk that also returns the guest physical address of every table
// it read, root first. The tables are returned when the walk fails too.
func Trace(mem *hv.GuestAddressSpace, cr3, vaddr uint64) (uint64, []uint64, error) {
	tables := make([]uint64, 0, 4)
	table := cr3 & addrMask
	for level := 4; level >= 1; level-- {
		shift := 12 + 9*uint(level-1)
		idx := (vaddr >> shift) & 0x1ff

		tables = append(tables, table)
		entry, err := mem.Uint64(table + idx*8)
		if err != nil {
			return 0, tables, fmt.Errorf("paging: read level %d entry: %w", level, err)
		}
		if entry&Present == 0 {
			return 0, tables, &NotMappedError{Addr: vaddr, Level: level}
		}

		if level == 1 || (level <= 3 && entry&Huge != 0) {
			pageMask := uint64(1)<<shift - 1
			return entry&addrMask&^pageMask | vaddr&pageMask, tables, nil
		}
		table = entry & addrMask
	}
	panic("unreachable")
}
