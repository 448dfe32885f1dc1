package vmm

import (
	"testing"

	"github.com/tinyrange/ukvm/internal/hv"
)

func TestChunkSize(t *testing.T) {
	for _, tc := range []struct {
		size  uint64
		slots int
		want  uint64
	}{
		{8 << 20, 32, 2 << 20},
		{1 << 30, 509, 4 << 20},
		{1 << 30, 64, 16 << 20},
		{(1 << 30) + (3 << 20), 0, 6 << 20},
		{64 << 30, 509, 256 << 20},
	} {
		if got := chunkSize(tc.size, tc.slots); got != tc.want {
			t.Errorf("chunkSize(%#x, %d) = %#x, want %#x", tc.size, tc.slots, got, tc.want)
		}
	}
}

func TestPagerMapsChunkOnce(t *testing.T) {
	vm := &fakeVM{}
	p := newPager(8<<20, 32)
	p.attach(vm)

	if err := p.prefault(0x400002); err != nil {
		t.Fatal(err)
	}
	if got := p.MappedChunks(); got != 3 {
		t.Fatalf("mapped after prefault = %d, want 3", got)
	}
	for range 2 {
		if err := p.ensure(0x7fffff); err != nil {
			t.Fatal(err)
		}
	}
	if !p.isMapped(0x600000) || p.faults.Load() != 1 {
		t.Fatalf("mapped = %v, faults = %d", p.isMapped(0x600000), p.faults.Load())
	}
	if len(vm.mapped) != 4 {
		t.Fatalf("backend mappings = %v", vm.mapped)
	}
	if last := vm.mapped[3]; last != [2]uint64{6 << 20, 2 << 20} {
		t.Fatalf("last mapping = %#v", last)
	}
	if err := p.ensure(8 << 20); err == nil {
		t.Fatal("ensure beyond memory succeeded")
	}
}

func TestPagerPageInAndMapAll(t *testing.T) {
	vm := &fakeVM{}
	p := newPager(8<<20, 32)
	p.attach(vm)

	added, err := p.pageIn(0x1000, 0x1fff, 0x600000, 8<<20)
	if err != nil || added != 2 {
		t.Fatalf("pageIn = %d, %v; want 2 chunks", added, err)
	}
	if added, _ := p.pageIn(0x600010); added != 0 {
		t.Fatalf("second pageIn added %d chunks", added)
	}
	if p.faults.Load() != 2 {
		t.Fatalf("faults = %d, want 2", p.faults.Load())
	}

	added, err = p.mapAll()
	if err != nil || added != 2 || p.MappedChunks() != 4 {
		t.Fatalf("mapAll = %d, %v; mapped %d", added, err, p.MappedChunks())
	}
	if added, _ := p.mapAll(); added != 0 {
		t.Fatalf("mapAll on a full pager added %d", added)
	}
}

func TestClassifyFault(t *testing.T) {
	const size = 8 << 20
	p := newPager(size, 32)
	for _, tc := range []struct {
		p    *pager
		f    hv.ExitMemoryFault
		want faultClass
	}{
		{p, hv.ExitMemoryFault{Addr: 0x1000, Data: make([]byte, 8)}, faultDemand},
		{p, hv.ExitMemoryFault{Addr: size - 4, Data: make([]byte, 8)}, faultOutside},
		{p, hv.ExitMemoryFault{Addr: size}, faultOutside},
		{nil, hv.ExitMemoryFault{Addr: 0x1000, Data: make([]byte, 8)}, faultUnbacked},
	} {
		if got := classifyFault(size, tc.p, tc.f); got != tc.want {
			t.Errorf("classifyFault(%#x, pager %v) = %s, want %s", tc.f.Addr, tc.p != nil, got, tc.want)
		}
	}
}

func TestHaltBarrier(t *testing.T) {
	b := newHaltBarrier(3)
	b.start(0)
	b.start(1)

	if halted, idle := b.halt(1); !halted || idle {
		t.Fatalf("halt(1) = %v, %v while cpu 0 runs", halted, idle)
	}
	if !b.wake(1) {
		t.Fatal("wake(1) did not find cpu 1 halted")
	}
	if _, idle := b.halt(0); idle {
		t.Fatal("idle while cpu 1 runs")
	}
	if _, idle := b.halt(1); !idle {
		t.Fatal("not idle with every started cpu halted")
	}
	select {
	case <-b.Idle():
	default:
		t.Fatal("Idle not closed")
	}
	if _, idle := b.halt(0); idle {
		t.Fatal("barrier fired twice")
	}
}

func TestHaltBarrierPendingWake(t *testing.T) {
	b := newHaltBarrier(2)
	b.start(0)
	b.start(1)

	if b.wake(0) {
		t.Fatal("wake(0) reported a halted cpu")
	}
	if _, idle := b.halt(1); idle {
		t.Fatal("idle while cpu 0 runs")
	}
	if halted, _ := b.halt(0); halted {
		t.Fatal("pending wake did not cancel the halt")
	}
	if halted, idle := b.halt(0); !halted || !idle {
		t.Fatalf("halt(0) = %v, %v, want halted and idle", halted, idle)
	}
}
