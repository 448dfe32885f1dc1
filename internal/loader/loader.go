// Package loader places a guest kernel image into guest memory and prepares
// the boot structures the first vCPU starts from.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/paging"
)

const (
	// LoadAddress is where flat images and position independent ELF images
	// are placed.
	LoadAddress = 0x400000

	// KernelStackSize is the boot stack reserved directly below the image.
	KernelStackSize = 32768

	// MinMemorySize is the smallest guest memory size the boot layout fits in.
	MinMemorySize = 8 << 20

	// MaxMemorySize is the largest guest memory size the boot identity map
	// covers.
	MaxMemorySize = paging.MaxIdentityGiB << 30

	// MemoryAlignment is the granularity guest memory sizes must respect.
	MemoryAlignment = paging.HugePageSize
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Source is a raw guest image.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Bytes wraps an in-memory image.
func Bytes(b []byte) Source { return bytes.NewReader(b) }

// File is an image backed by a host file.
type File struct {
	f    *os.File
	size int64
}

// Open opens the image at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat kernel image: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("kernel image %q is not a regular file", path)
	}
	return &File{f: f, size: info.Size()}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *File) Size() int64                             { return f.size }
func (f *File) Close() error                            { return f.f.Close() }

// Options describe the machine the image is booted on. They end up in the boot
// information block.
type Options struct {
	CPUCount      int
	UARTPort      uint16
	HypercallBase uint16
	TSCKHz        uint32
	BootTime      time.Time
}

// Image is the result of loading: where the kernel lives and the register
// state the boot vCPU starts with.
type Image struct {
	Entry uint64
	Start uint64
	End   uint64

	// StackTop is the initial stack pointer of the boot vCPU.
	StackTop uint64

	// BootInfo is the guest physical address of the boot information block.
	BootInfo uint64

	// Boot is the complete long mode state of the boot vCPU. Secondary vCPUs
	// reuse it with their own entry and stack.
	Boot hv.BootState
}

type memoryWriter interface {
	Write(addr uint64, p []byte) error
}

var zeroPage [paging.PageSize]byte

func zeroRange(w memoryWriter, addr, n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroPage)))
		if err := w.Write(addr, zeroPage[:chunk]); err != nil {
			return err
		}
		addr += chunk
		n -= chunk
	}
	return nil
}

// CheckMemorySize reports whether size can hold the boot layout.
func CheckMemorySize(size uint64) error {
	switch {
	case size < MinMemorySize:
		return fmt.Errorf("%w: memory size %d below minimum %d", hv.ErrConfiguration, size, MinMemorySize)
	case size > MaxMemorySize:
		return fmt.Errorf("%w: memory size %d above maximum %d", hv.ErrConfiguration, size, uint64(MaxMemorySize))
	case size%MemoryAlignment != 0:
		return fmt.Errorf("%w: memory size %d is not a multiple of %d", hv.ErrConfiguration, size, MemoryAlignment)
	}
	return nil
}

// Load writes the boot tables, the image and the boot information block into
// mem.
func Load(mem *hv.GuestAddressSpace, src Source, opts Options) (Image, error) {
	if err := CheckMemorySize(mem.Size()); err != nil {
		return Image{}, fmt.Errorf("loader: %w", err)
	}
	if opts.CPUCount < 1 {
		return Image{}, fmt.Errorf("loader: %w: cpu count %d", hv.ErrConfiguration, opts.CPUCount)
	}

	state, err := paging.Setup(mem)
	if err != nil {
		return Image{}, err
	}

	img, err := loadKernel(mem, src)
	if err != nil {
		return Image{}, fmt.Errorf("loader: %w", err)
	}

	low := max(paging.TablesEnd(mem.Size()), BootInfoAddr+BootInfoSize) + KernelStackSize
	if img.Start < low {
		return Image{}, fmt.Errorf("loader: %w: image start %#x overlaps boot structures below %#x", hv.ErrConfiguration, img.Start, low)
	}
	if img.End > mem.Size() {
		return Image{}, fmt.Errorf("loader: %w: image end %#x beyond memory size %#x", hv.ErrConfiguration, img.End, mem.Size())
	}

	img.StackTop = img.Start
	if err := zeroRange(mem, img.StackTop-KernelStackSize, KernelStackSize); err != nil {
		return Image{}, fmt.Errorf("loader: clear boot stack: %w", err)
	}

	info := BootInfo{
		CPUCount:      uint32(opts.CPUCount),
		MemSize:       mem.Size(),
		ImageStart:    img.Start,
		ImageEnd:      img.End,
		BootTime:      opts.BootTime,
		TSCKHz:        opts.TSCKHz,
		UARTPort:      opts.UARTPort,
		HypercallBase: opts.HypercallBase,
		StackSize:     KernelStackSize,
	}
	if err := info.WriteTo(mem, BootInfoAddr); err != nil {
		return Image{}, fmt.Errorf("loader: %w", err)
	}
	img.BootInfo = BootInfoAddr

	state.Entry = img.Entry
	state.Stack = img.StackTop
	state.Arg0 = BootInfoAddr
	state.Arg1 = 0
	img.Boot = state

	return img, nil
}

func loadKernel(mem *hv.GuestAddressSpace, src Source) (Image, error) {
	size := src.Size()
	if size <= 0 {
		return Image{}, errors.New("kernel image is empty")
	}

	var magic [4]byte
	if size >= int64(len(magic)) {
		if _, err := src.ReadAt(magic[:], 0); err != nil {
			return Image{}, fmt.Errorf("read kernel header: %w", err)
		}
	}

	if bytes.Equal(magic[:], elfMagic) {
		elfImg, err := parseELF(src)
		if err != nil {
			return Image{}, err
		}
		return elfImg.place(mem, LoadAddress)
	}
	return loadFlat(mem, src, LoadAddress)
}

// loadFlat copies a raw binary to base and enters it at its first byte.
func loadFlat(mem *hv.GuestAddressSpace, src Source, base uint64) (Image, error) {
	size := uint64(src.Size())
	if base+size > mem.Size() || base+size < base {
		return Image{}, fmt.Errorf("%w: flat image of %d bytes does not fit at %#x", hv.ErrConfiguration, size, base)
	}

	dst, err := mem.Slice(base, size)
	if err != nil {
		return Image{}, err
	}
	if _, err := src.ReadAt(dst, 0); err != nil && !errors.Is(err, io.EOF) {
		return Image{}, fmt.Errorf("read flat image: %w", err)
	}

	return Image{Entry: base, Start: base, End: base + size}, nil
}
