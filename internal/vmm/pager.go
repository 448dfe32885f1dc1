package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/paging"
)

// pager registers guest memory with the backend in fixed chunks as the guest
// first touches them.
type pager struct {
	size  uint64
	chunk uint64

	mu     sync.Mutex
	vm     hv.VirtualMachine
	mapped []bool

	faults atomic.Uint64
}

const minChunk = paging.HugePageSize

// chunkSize picks the smallest 2 MiB multiple of at least size/256 that
// still fits the backend's memory slots.
func chunkSize(size uint64, slots int) uint64 {
	chunk := max(minChunk, size/256)
	chunk = (chunk + minChunk - 1) &^ (minChunk - 1)
	if slots > 0 {
		for (size+chunk-1)/chunk > uint64(slots) {
			chunk *= 2
		}
	}
	return chunk
}

func newPager(size uint64, slots int) *pager {
	chunk := chunkSize(size, slots)
	return &pager{
		size:   size,
		chunk:  chunk,
		mapped: make([]bool, (size+chunk-1)/chunk),
	}
}

func (p *pager) attach(vm hv.VirtualMachine) {
	p.mu.Lock()
	p.vm = vm
	p.mu.Unlock()
}

// ensure makes the chunk holding addr visible to the guest. Concurrent
// callers for the same chunk register it once.
func (p *pager) ensure(addr uint64) error {
	if addr >= p.size {
		return fmt.Errorf("vmm: page in 0x%x: %w", addr, hv.ErrOutOfBounds)
	}
	added, err := p.mapChunk(addr / p.chunk)
	if added {
		p.faults.Add(1)
	}
	return err
}

func (p *pager) mapChunk(idx uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mapped[idx] {
		return false, nil
	}
	start := idx * p.chunk
	n := min(p.chunk, p.size-start)
	if err := p.vm.MapMemory(start, n); err != nil {
		return false, fmt.Errorf("vmm: page in [0x%x, 0x%x): %w", start, start+n, err)
	}
	p.mapped[idx] = true
	return true, nil
}

// pageIn makes the chunks holding addrs visible and returns how many were
// newly registered. Addresses beyond guest memory are skipped.
func (p *pager) pageIn(addrs ...uint64) (int, error) {
	added := 0
	for _, addr := range addrs {
		if addr >= p.size {
			continue
		}
		ok, err := p.mapChunk(addr / p.chunk)
		if err != nil {
			return added, err
		}
		if ok {
			p.faults.Add(1)
			added++
		}
	}
	return added, nil
}

// mapAll registers every chunk still missing and returns how many there
// were.
func (p *pager) mapAll() (int, error) {
	added := 0
	for idx := range uint64(len(p.mapped)) {
		ok, err := p.mapChunk(idx)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// prefault maps every chunk overlapping [0, end). These do not count as
// page-ins.
func (p *pager) prefault(end uint64) error {
	for idx := uint64(0); idx*p.chunk < end && idx*p.chunk < p.size; idx++ {
		if _, err := p.mapChunk(idx); err != nil {
			return err
		}
	}
	return nil
}

func (p *pager) isMapped(addr uint64) bool {
	if addr >= p.size {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapped[addr/p.chunk]
}

// MappedChunks counts the registered chunks.
func (p *pager) MappedChunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.mapped {
		if m {
			n++
		}
	}
	return n
}

type faultClass int

const (
	// faultDemand is an access to guest RAM that is not registered yet.
	faultDemand faultClass = iota
	// faultOutside is an access beyond guest RAM.
	faultOutside
	// faultUnbacked is an access to registered RAM the backend still
	// reported as unbacked. It indicates a backend bug.
	faultUnbacked
)

func (c faultClass) String() string {
	switch c {
	case faultDemand:
		return "demand"
	case faultOutside:
		return "outside guest memory"
	default:
		return "unbacked guest memory"
	}
}

// classifyFault decides how a memory fault on guest RAM of the given size
// is resolved. A nil pager means all of memory was registered up front.
func classifyFault(size uint64, p *pager, f hv.ExitMemoryFault) faultClass {
	n := uint64(max(len(f.Data), 1))
	if f.Addr >= size || n > size-f.Addr {
		return faultOutside
	}
	if p == nil {
		return faultUnbacked
	}
	return faultDemand
}
