package hypercall

import (
	"encoding/binary"

	"github.com/tinyrange/ukvm/internal/hv"
)

// Parameter block sizes. Blocks are packed and little endian.
const (
	writeBlockSize       = 28 // fd i32, buf u64, len u64, ret i64
	readBlockSize        = 28
	openBlockSize        = 20 // name u64, flags i32, mode i32, ret i32
	closeBlockSize       = 8  // fd i32, ret i32
	exitBlockSize        = 4  // code i32
	lseekBlockSize       = 16 // fd i32, offset i64, whence i32
	unlinkBlockSize      = 12 // name u64, ret i32
	serialWriteBlockSize = 16 // buf u64, len u64
	serialReadBlockSize  = 24 // buf u64, maxlen u64, len u64
	cmdvalBlockSize      = 16 // argv u64, envp u64
	cpuCountBlockSize    = 4  // count u32
	cpuStartBlockSize    = 24 // cpu u32, entry u64, stack u64, ret i32
	cpuWakeBlockSize     = 8  // cpu u32, ret i32
	netInfoBlockSize     = 16 // mac [6]u8, pad u16, mtu u32, ret i32
	netXferBlockSize     = 24 // buf u64, len u64, ret i64
	netStatBlockSize     = 4  // pending u32

	// MaxArgs bounds both the argument and the environment vectors the
	// guest can ask for.
	MaxArgs = 128

	cmdsizeArgcOffset  = 0
	cmdsizeArgszOffset = 4
	cmdsizeEnvcOffset  = cmdsizeArgszOffset + 4*MaxArgs
	cmdsizeEnvszOffset = cmdsizeEnvcOffset + 4
	cmdsizeBlockSize   = cmdsizeEnvszOffset + 4*MaxArgs

	// maxPathLen bounds NUL terminated strings read from the guest.
	maxPathLen = 4096
)

// Result slot offsets.
const (
	writeRetOffset    = 20
	readRetOffset     = 20
	openRetOffset     = 16
	closeRetOffset    = 4
	lseekOffOffset    = 4
	unlinkRetOffset   = 8
	serialReadLenOff  = 16
	cpuStartRetOffset = 20
	cpuWakeRetOffset  = 4
	netInfoRetOffset  = 12
	netXferRetOffset  = 16
)

// block is a snapshot of a guest parameter block.
type block struct {
	addr uint64
	buf  []byte
}

func readBlock(mem *hv.GuestAddressSpace, addr uint64, size int) (block, error) {
	b := block{addr: addr, buf: make([]byte, size)}
	if err := mem.Read(addr, b.buf); err != nil {
		return block{}, err
	}
	return b, nil
}

func (b block) i32(off int) int32  { return int32(binary.LittleEndian.Uint32(b.buf[off:])) }
func (b block) u32(off int) uint32 { return binary.LittleEndian.Uint32(b.buf[off:]) }
func (b block) i64(off int) int64  { return int64(binary.LittleEndian.Uint64(b.buf[off:])) }
func (b block) u64(off int) uint64 { return binary.LittleEndian.Uint64(b.buf[off:]) }

func putI32(mem *hv.GuestAddressSpace, addr uint64, v int32) error {
	return mem.PutUint32(addr, uint32(v))
}

func putI64(mem *hv.GuestAddressSpace, addr uint64, v int64) error {
	return mem.StoreUint64(addr, uint64(v))
}
