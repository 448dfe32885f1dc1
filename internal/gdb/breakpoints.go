package gdb

import "slices"

// BreakpointInstruction is int3.
const BreakpointInstruction = 0xcc

type breakpoint struct {
	addr uint64
	orig byte
}

// Breakpoints is the ordered set of software breakpoints of one session
// together with the bytes they replaced.
type Breakpoints struct {
	bps []breakpoint
}

func (s *Breakpoints) find(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(s.bps, addr, func(bp breakpoint, a uint64) int {
		switch {
		case bp.addr < a:
			return -1
		case bp.addr > a:
			return 1
		}
		return 0
	})
}

// Insert patches int3 at addr. Inserting an existing breakpoint is a no-op.
func (s *Breakpoints) Insert(t Target, addr uint64) error {
	i, ok := s.find(addr)
	if ok {
		return nil
	}
	orig, err := t.PatchByte(addr, BreakpointInstruction)
	if err != nil {
		return err
	}
	s.bps = slices.Insert(s.bps, i, breakpoint{addr: addr, orig: orig})
	return nil
}

// Remove restores the original byte at addr. Removing an unknown address is
// a no-op.
func (s *Breakpoints) Remove(t Target, addr uint64) error {
	i, ok := s.find(addr)
	if !ok {
		return nil
	}
	if _, err := t.PatchByte(addr, s.bps[i].orig); err != nil {
		return err
	}
	s.bps = slices.Delete(s.bps, i, i+1)
	return nil
}

// Original returns the byte a breakpoint at addr replaced.
func (s *Breakpoints) Original(addr uint64) (byte, bool) {
	i, ok := s.find(addr)
	if !ok {
		return 0, false
	}
	return s.bps[i].orig, true
}

func (s *Breakpoints) Addrs() []uint64 {
	out := make([]uint64, len(s.bps))
	for i, bp := range s.bps {
		out[i] = bp.addr
	}
	return out
}

func (s *Breakpoints) Len() int { return len(s.bps) }

// Shadow replaces breakpoint instructions inside the memory read at addr
// with the bytes they hide.
func (s *Breakpoints) Shadow(addr uint64, p []byte) {
	end := addr + uint64(len(p))
	i, _ := s.find(addr)
	for ; i < len(s.bps) && s.bps[i].addr < end; i++ {
		p[s.bps[i].addr-addr] = s.bps[i].orig
	}
}

// Clear removes every breakpoint, continuing past failures. It returns the
// first error.
func (s *Breakpoints) Clear(t Target) error {
	var first error
	for _, bp := range s.bps {
		if _, err := t.PatchByte(bp.addr, bp.orig); err != nil && first == nil {
			first = err
		}
	}
	s.bps = nil
	return first
}
