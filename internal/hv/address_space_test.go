package hv

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"testing"
)

func TestGuestAddressSpaceBounds(t *testing.T) {
	const size = 4096
	g := NewGuestAddressSpaceFromBytes(make([]byte, size))

	for _, addr := range []uint64{0, 1, size / 2, size - 1} {
		if err := g.Write(addr, []byte{0xAB}); err != nil {
			t.Fatalf("Write(0x%x): %v", addr, err)
		}
		var b [1]byte
		if err := g.Read(addr, b[:]); err != nil {
			t.Fatalf("Read(0x%x): %v", addr, err)
		}
		if b[0] != 0xAB {
			t.Fatalf("Read(0x%x) = 0x%x, want 0xab", addr, b[0])
		}
	}

	tests := []struct {
		name string
		addr uint64
		n    int
	}{
		{"at end", size, 1},
		{"far past end", size * 10, 1},
		{"straddles end", size - 2, 4},
		{"wraps", math.MaxUint64 - 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := make([]byte, size)
			g.Read(0, before)

			err := g.Write(tt.addr, bytes.Repeat([]byte{0xFF}, tt.n))
			if !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Write error = %v, want ErrOutOfBounds", err)
			}
			err = g.Read(tt.addr, make([]byte, tt.n))
			if !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Read error = %v, want ErrOutOfBounds", err)
			}
			if _, err := g.Translate(tt.addr); tt.addr >= size && !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Translate error = %v, want ErrOutOfBounds", err)
			}

			after := make([]byte, size)
			g.Read(0, after)
			if !bytes.Equal(before, after) {
				t.Fatalf("failed write modified guest memory")
			}
		})
	}
}

func TestGuestAddressSpaceZeroLength(t *testing.T) {
	g := NewGuestAddressSpaceFromBytes(make([]byte, 16))
	if err := g.Write(16, nil); err != nil {
		t.Fatalf("empty write at end: %v", err)
	}
	if err := g.Write(17, nil); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("empty write past end error = %v, want ErrOutOfBounds", err)
	}
}

func TestGuestAddressSpaceIntegers(t *testing.T) {
	g := NewGuestAddressSpaceFromBytes(make([]byte, 64))

	if err := g.PutUint32(4, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := g.StoreUint64(8, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}

	v32, err := g.Uint32(4)
	if err != nil || v32 != 0xdeadbeef {
		t.Fatalf("Uint32 = 0x%x, %v", v32, err)
	}
	v64, err := g.Uint64(8)
	if err != nil || v64 != 0x0102030405060708 {
		t.Fatalf("Uint64 = 0x%x, %v", v64, err)
	}
	if _, err := g.Uint64(60); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Uint64(60) error = %v, want ErrOutOfBounds", err)
	}
}

func TestGuestAddressSpacePatchByte(t *testing.T) {
	g := NewGuestAddressSpaceFromBytes([]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17})

	old, err := g.PatchByte(5, 0xCC)
	if err != nil {
		t.Fatal(err)
	}
	if old != 0x15 {
		t.Fatalf("PatchByte returned 0x%x, want 0x15", old)
	}

	got := make([]byte, 8)
	g.Read(0, got)
	want := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0xCC, 0x16, 0x17}
	if !bytes.Equal(got, want) {
		t.Fatalf("memory = % x, want % x", got, want)
	}
}

func TestGuestAddressSpacePatchByteConcurrent(t *testing.T) {
	g := NewGuestAddressSpaceFromBytes(make([]byte, 8))

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := range 1000 {
				if _, err := g.PatchByte(uint64(i), byte(n)); err != nil {
					t.Error(err)
					return
				}
			}
			g.PatchByte(uint64(i), byte(0xA0+i))
		}(i)
	}
	wg.Wait()

	got := make([]byte, 4)
	g.Read(0, got)
	if !bytes.Equal(got, []byte{0xA0, 0xA1, 0xA2, 0xA3}) {
		t.Fatalf("lost update: % x", got)
	}
}

func TestGuestAddressSpaceClose(t *testing.T) {
	g, err := NewGuestAddressSpace(1 << 20)
	if errors.Is(err, ErrHypervisorUnsupported) {
		t.Skipf("anonymous guest memory not supported: %v", err)
	}
	if err != nil {
		t.Fatalf("NewGuestAddressSpace: %v", err)
	}

	if err := g.Write(1<<20-8, []byte("lastpage")); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := g.Read(0, make([]byte, 1)); err == nil {
		t.Fatalf("Read after Close succeeded")
	}
}

func TestNewGuestAddressSpaceRejectsZero(t *testing.T) {
	if _, err := NewGuestAddressSpace(0); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
}
