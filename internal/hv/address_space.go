package hv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// GuestAddressSpace is the host memory that backs guest physical memory.
// Guest physical address 0 is the first byte of the mapping and the region is
// never resized. Every accessor fails with ErrOutOfBounds when the requested
// range escapes [0, Size()).
type GuestAddressSpace struct {
	mu     sync.RWMutex
	mem    []byte
	mapped bool
}

// NewGuestAddressSpace maps size bytes of anonymous memory. Pages are only
// committed by the host when first touched.
func NewGuestAddressSpace(size uint64) (*GuestAddressSpace, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: guest memory size must be greater than 0", ErrConfiguration)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("%w: guest memory size %d exceeds host address limit", ErrConfiguration, size)
	}

	mem, err := mapGuestMemory(int(size))
	if err != nil {
		return nil, err
	}

	return &GuestAddressSpace{mem: mem, mapped: true}, nil
}

// NewGuestAddressSpaceFromBytes wraps an existing buffer. The caller keeps
// ownership of buf; Close only detaches it.
func NewGuestAddressSpaceFromBytes(buf []byte) *GuestAddressSpace {
	return &GuestAddressSpace{mem: buf}
}

func (g *GuestAddressSpace) Size() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return uint64(len(g.mem))
}

// check returns the host slice covering [addr, addr+n). g.mu must be held.
func (g *GuestAddressSpace) check(addr, n uint64) ([]byte, error) {
	if g.mem == nil {
		return nil, fmt.Errorf("address_space: access after close")
	}
	size := uint64(len(g.mem))
	end := addr + n
	if end < addr || addr > size || end > size {
		return nil, &OutOfBoundsError{Addr: addr, Len: n, Size: size}
	}
	return g.mem[addr:end:end], nil
}

// Contains reports whether [addr, addr+n) lies inside the address space.
func (g *GuestAddressSpace) Contains(addr, n uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.check(addr, n)
	return err == nil
}

// Read copies len(p) bytes starting at guest physical address addr into p.
func (g *GuestAddressSpace) Read(addr uint64, p []byte) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	src, err := g.check(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// Write copies p into guest memory at addr. Nothing is written if any part of
// the range is out of bounds.
func (g *GuestAddressSpace) Write(addr uint64, p []byte) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	dst, err := g.check(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// ReadAt implements io.ReaderAt.
func (g *GuestAddressSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &OutOfBoundsError{Addr: uint64(off), Len: uint64(len(p)), Size: g.Size()}
	}
	if err := g.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt.
func (g *GuestAddressSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &OutOfBoundsError{Addr: uint64(off), Len: uint64(len(p)), Size: g.Size()}
	}
	if err := g.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Slice returns the host view of [addr, addr+n). The slice aliases guest
// memory and must not be retained past the lifetime of the address space.
func (g *GuestAddressSpace) Slice(addr, n uint64) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.check(addr, n)
}

// Translate returns the host virtual address backing guest physical address
// addr. It is only meant for registering memory with the hypervisor.
func (g *GuestAddressSpace) Translate(addr uint64) (uintptr, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, err := g.check(addr, 1)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (g *GuestAddressSpace) Uint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := g.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (g *GuestAddressSpace) Uint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := g.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (g *GuestAddressSpace) PutUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return g.Write(addr, buf[:])
}

func (g *GuestAddressSpace) PutUint64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return g.Write(addr, buf[:])
}

// StoreUint64 writes v with a single atomic store when addr is 8-byte aligned
// and falls back to a plain copy otherwise.
func (g *GuestAddressSpace) StoreUint64(addr uint64, v uint64) error {
	if addr%8 != 0 {
		return g.PutUint64(addr, v)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, err := g.check(addr, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
	return nil
}

// PatchByte replaces the byte at addr and returns the previous value. The
// update is a compare-and-swap on the aligned 32-bit word containing addr,
// so concurrent writers of neighbouring bytes are never lost.
func (g *GuestAddressSpace) PatchByte(addr uint64, b byte) (byte, error) {
	word := addr &^ 3
	shift := (addr - word) * 8

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, err := g.check(addr, 1); err != nil {
		return 0, err
	}
	buf, err := g.check(word, 4)
	if err != nil {
		// The last byte of an unaligned tail: no neighbour to protect.
		one, _ := g.check(addr, 1)
		old := one[0]
		one[0] = b
		return old, nil
	}

	ptr := (*uint32)(unsafe.Pointer(&buf[0]))
	for {
		cur := atomic.LoadUint32(ptr)
		old := byte(cur >> shift)
		next := cur&^(0xff<<shift) | uint32(b)<<shift
		if atomic.CompareAndSwapUint32(ptr, cur, next) {
			return old, nil
		}
	}
}

// Close unmaps the guest memory. Further accesses fail.
func (g *GuestAddressSpace) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mem == nil {
		return nil
	}
	mem := g.mem
	g.mem = nil
	if !g.mapped {
		return nil
	}
	return unmapGuestMemory(mem)
}
