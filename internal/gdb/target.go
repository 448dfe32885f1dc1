// Package gdb serves the GDB remote serial protocol for a paused guest core.
package gdb

import (
	"context"
	"encoding/binary"
	"fmt"
)

type StopReason int

const (
	// StopTrap covers software breakpoints and completed single steps.
	StopTrap StopReason = iota
	// StopInterrupt is a stop requested by the debugger.
	StopInterrupt
	// StopExited means the guest is gone; Code holds its exit code.
	StopExited
)

type Stop struct {
	Reason StopReason
	PC     uint64
	Code   int
}

// Target is the debugged core. Addresses are guest virtual addresses; the
// implementation translates them through the guest's page tables.
type Target interface {
	// Halt stops the core if it is running and reports why it is stopped.
	Halt(ctx context.Context) (Stop, error)
	// Interrupt asks a running core to stop. The stop arrives on Stops.
	Interrupt() error
	// Resume continues a stopped core, executing a single instruction when
	// step is set. The next stop arrives on Stops.
	Resume(step bool) error
	Stops() <-chan Stop

	ReadRegisters() (Registers, error)
	WriteRegisters(Registers) error
	ReadMemory(addr uint64, p []byte) error
	WriteMemory(addr uint64, p []byte) error
	// PatchByte atomically replaces one byte and returns the previous value.
	PatchByte(addr uint64, b byte) (byte, error)

	Kill() error
}

// Registers holds the x86-64 state exchanged with the debugger. The x87 and
// SSE registers announced in target.xml always read as zero.
type Registers struct {
	// rax, rbx, rcx, rdx, rsi, rdi, rbp, rsp, r8-r15 in GDB order.
	GPR    [16]uint64
	RIP    uint64
	EFLAGS uint32
	// cs, ss, ds, es, fs, gs.
	Seg [6]uint32
}

const (
	regRIP      = 16
	regEFLAGS   = 17
	regSegFirst = 18
	regX87First = 24
	regXMMFirst = 40
	regMXCSR    = 56
	regCount    = 57
)

// regSize is the width in bytes of register n in the g packet.
func regSize(n int) int {
	switch {
	case n <= regRIP:
		return 8
	case n < regX87First:
		return 4
	case n < regX87First+8:
		return 10
	case n < regXMMFirst:
		return 4
	case n < regMXCSR:
		return 16
	case n == regMXCSR:
		return 4
	}
	return 0
}

func registersSize() int {
	n := 0
	for i := range regCount {
		n += regSize(i)
	}
	return n
}

// register encodes register n in target byte order.
func (r *Registers) register(n int) ([]byte, error) {
	size := regSize(n)
	if size == 0 {
		return nil, fmt.Errorf("register %d out of range", n)
	}
	b := make([]byte, size)
	switch {
	case n < regRIP:
		binary.LittleEndian.PutUint64(b, r.GPR[n])
	case n == regRIP:
		binary.LittleEndian.PutUint64(b, r.RIP)
	case n == regEFLAGS:
		binary.LittleEndian.PutUint32(b, r.EFLAGS)
	case n < regX87First:
		binary.LittleEndian.PutUint32(b, r.Seg[n-regSegFirst])
	}
	return b, nil
}

// setRegister stores register n. Writes to x87 and SSE registers are
// accepted and dropped.
func (r *Registers) setRegister(n int, b []byte) error {
	size := regSize(n)
	if size == 0 || len(b) != size {
		return fmt.Errorf("register %d: bad value of %d bytes", n, len(b))
	}
	switch {
	case n < regRIP:
		r.GPR[n] = binary.LittleEndian.Uint64(b)
	case n == regRIP:
		r.RIP = binary.LittleEndian.Uint64(b)
	case n == regEFLAGS:
		r.EFLAGS = binary.LittleEndian.Uint32(b)
	case n < regX87First:
		r.Seg[n-regSegFirst] = binary.LittleEndian.Uint32(b)
	}
	return nil
}

func (r *Registers) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, registersSize())
	for n := range regCount {
		b, err := r.register(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary decodes a g packet body. GDB may send only the leading
// registers; missing ones keep their value.
func (r *Registers) UnmarshalBinary(data []byte) error {
	for n := 0; n < regCount && len(data) > 0; n++ {
		size := regSize(n)
		if len(data) < size {
			return fmt.Errorf("register block truncated in register %d", n)
		}
		if err := r.setRegister(n, data[:size]); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}
