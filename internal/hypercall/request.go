package hypercall

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ukvm/internal/hv"
)

// Request is a decoded hypercall. Every variant except SerialWriteByte and
// Exit remembers the guest address of its parameter block so the result
// can be written back.
type Request interface {
	Port() Port
}

type Exit struct{ Code int32 }

type Write struct {
	Block uint64
	FD    int32
	Buf   uint64
	Len   uint64
}

type Read struct {
	Block uint64
	FD    int32
	Buf   uint64
	Len   uint64
}

type Open struct {
	Block uint64
	Name  uint64
	Flags int32
	Mode  int32
}

type Close struct {
	Block uint64
	FD    int32
}

type Lseek struct {
	Block  uint64
	FD     int32
	Offset int64
	Whence int32
}

type Unlink struct {
	Block uint64
	Name  uint64
}

type SerialWriteByte struct{ Byte byte }

type SerialWrite struct {
	Block uint64
	Buf   uint64
	Len   uint64
}

type SerialRead struct {
	Block  uint64
	Buf    uint64
	MaxLen uint64
}

type Cmdsize struct{ Block uint64 }

type Cmdval struct {
	Block uint64
	Argv  uint64
	Envp  uint64
}

type CpuCount struct{ Block uint64 }

type CpuStart struct {
	Block uint64
	CPU   uint32
	Entry uint64
	Stack uint64
}

type CpuWake struct {
	Block uint64
	CPU   uint32
}

type NetInfo struct{ Block uint64 }

type NetSend struct {
	Block uint64
	Buf   uint64
	Len   uint64
}

type NetRecv struct {
	Block uint64
	Buf   uint64
	Len   uint64
}

type NetStat struct{ Block uint64 }

func (Exit) Port() Port            { return PortExit }
func (Write) Port() Port           { return PortWrite }
func (Read) Port() Port            { return PortRead }
func (Open) Port() Port            { return PortOpen }
func (Close) Port() Port           { return PortClose }
func (Lseek) Port() Port           { return PortLseek }
func (Unlink) Port() Port          { return PortUnlink }
func (SerialWriteByte) Port() Port { return PortUart }
func (SerialWrite) Port() Port     { return PortSerialWrite }
func (SerialRead) Port() Port      { return PortSerialRead }
func (Cmdsize) Port() Port         { return PortCmdsize }
func (Cmdval) Port() Port          { return PortCmdval }
func (CpuCount) Port() Port        { return PortCpuCount }
func (CpuStart) Port() Port        { return PortCpuStart }
func (CpuWake) Port() Port         { return PortCpuWake }
func (NetInfo) Port() Port         { return PortNetInfo }
func (NetSend) Port() Port         { return PortNetSend }
func (NetRecv) Port() Port         { return PortNetRecv }
func (NetStat) Port() Port         { return PortNetStat }

// DecodeError reports a hypercall whose parameter block could not be read.
type DecodeError struct {
	Port  Port
	Block uint64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hypercall: decode %s block at 0x%x: %v", e.Port, e.Block, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode turns an I/O exit into a request. The exit must be a write to a
// hypercall port.
func Decode(mem *hv.GuestAddressSpace, exit hv.ExitIO) (Request, error) {
	port := Port(exit.Port)
	if !exit.Write || !IsHypercall(exit.Port) {
		return nil, fmt.Errorf("hypercall: %s access to port 0x%x is not a hypercall", direction(exit.Write), exit.Port)
	}

	if port == PortUart {
		if len(exit.Data) == 0 {
			return nil, fmt.Errorf("hypercall: empty uart write")
		}
		return SerialWriteByte{Byte: exit.Data[0]}, nil
	}

	var raw [4]byte
	copy(raw[:], exit.Data)
	addr := uint64(binary.LittleEndian.Uint32(raw[:]))

	read := func(size int) (block, error) {
		b, err := readBlock(mem, addr, size)
		if err != nil {
			return block{}, &DecodeError{Port: port, Block: addr, Err: err}
		}
		return b, nil
	}

	switch port {
	case PortExit:
		b, err := read(exitBlockSize)
		if err != nil {
			return nil, err
		}
		return Exit{Code: b.i32(0)}, nil
	case PortWrite:
		b, err := read(writeBlockSize)
		if err != nil {
			return nil, err
		}
		return Write{Block: addr, FD: b.i32(0), Buf: b.u64(4), Len: b.u64(12)}, nil
	case PortRead:
		b, err := read(readBlockSize)
		if err != nil {
			return nil, err
		}
		return Read{Block: addr, FD: b.i32(0), Buf: b.u64(4), Len: b.u64(12)}, nil
	case PortOpen:
		b, err := read(openBlockSize)
		if err != nil {
			return nil, err
		}
		return Open{Block: addr, Name: b.u64(0), Flags: b.i32(8), Mode: b.i32(12)}, nil
	case PortClose:
		b, err := read(closeBlockSize)
		if err != nil {
			return nil, err
		}
		return Close{Block: addr, FD: b.i32(0)}, nil
	case PortLseek:
		b, err := read(lseekBlockSize)
		if err != nil {
			return nil, err
		}
		return Lseek{Block: addr, FD: b.i32(0), Offset: b.i64(4), Whence: b.i32(12)}, nil
	case PortUnlink:
		b, err := read(unlinkBlockSize)
		if err != nil {
			return nil, err
		}
		return Unlink{Block: addr, Name: b.u64(0)}, nil
	case PortSerialWrite:
		b, err := read(serialWriteBlockSize)
		if err != nil {
			return nil, err
		}
		return SerialWrite{Block: addr, Buf: b.u64(0), Len: b.u64(8)}, nil
	case PortSerialRead:
		b, err := read(serialReadBlockSize)
		if err != nil {
			return nil, err
		}
		return SerialRead{Block: addr, Buf: b.u64(0), MaxLen: b.u64(8)}, nil
	case PortCmdsize:
		if _, err := read(cmdsizeBlockSize); err != nil {
			return nil, err
		}
		return Cmdsize{Block: addr}, nil
	case PortCmdval:
		b, err := read(cmdvalBlockSize)
		if err != nil {
			return nil, err
		}
		return Cmdval{Block: addr, Argv: b.u64(0), Envp: b.u64(8)}, nil
	case PortCpuCount:
		if _, err := read(cpuCountBlockSize); err != nil {
			return nil, err
		}
		return CpuCount{Block: addr}, nil
	case PortCpuStart:
		b, err := read(cpuStartBlockSize)
		if err != nil {
			return nil, err
		}
		return CpuStart{Block: addr, CPU: b.u32(0), Entry: b.u64(4), Stack: b.u64(12)}, nil
	case PortCpuWake:
		b, err := read(cpuWakeBlockSize)
		if err != nil {
			return nil, err
		}
		return CpuWake{Block: addr, CPU: b.u32(0)}, nil
	case PortNetInfo:
		if _, err := read(netInfoBlockSize); err != nil {
			return nil, err
		}
		return NetInfo{Block: addr}, nil
	case PortNetSend:
		b, err := read(netXferBlockSize)
		if err != nil {
			return nil, err
		}
		return NetSend{Block: addr, Buf: b.u64(0), Len: b.u64(8)}, nil
	case PortNetRecv:
		b, err := read(netXferBlockSize)
		if err != nil {
			return nil, err
		}
		return NetRecv{Block: addr, Buf: b.u64(0), Len: b.u64(8)}, nil
	case PortNetStat:
		if _, err := read(netStatBlockSize); err != nil {
			return nil, err
		}
		return NetStat{Block: addr}, nil
	default:
		return nil, fmt.Errorf("hypercall: no decoder for %s", port)
	}
}

func direction(write bool) string {
	if write {
		return "out"
	}
	return "in"
}
