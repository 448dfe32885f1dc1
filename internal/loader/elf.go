package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const elfRela64Size = 24

type elfSegment struct {
	addr     uint64
	fileSize uint64
	memSize  uint64
	data     []byte
}

type elfImage struct {
	segments []elfSegment
	entry    uint64
	minAddr  uint64
	maxAddr  uint64
	relative bool
	relas    []elf.Rela64
}

// parseELF reads the loadable segments of a 64-bit x86 executable. Position
// independent images (ET_DYN) keep their link addresses here; placement and
// relocation happen in place.
func parseELF(r io.ReaderAt) (*elfImage, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %s (want ELFCLASS64)", f.Class)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %d (want x86_64)", f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("unsupported ELF type %s", f.Type)
	}

	img := &elfImage{
		entry:    f.Entry,
		relative: f.Type == elf.ET_DYN,
	}

	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds host limits", prog.Filesz)
		}

		addr := prog.Paddr
		if img.relative {
			addr = prog.Vaddr
		}

		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}

		img.segments = append(img.segments, elfSegment{
			addr:     addr,
			fileSize: prog.Filesz,
			memSize:  prog.Memsz,
			data:     data,
		})

		end := addr + prog.Memsz
		if end < addr {
			return nil, fmt.Errorf("ELF segment at %#x wraps the address space", addr)
		}
		if first || addr < img.minAddr {
			img.minAddr = addr
		}
		if first || end > img.maxAddr {
			img.maxAddr = end
		}
		first = false
	}

	if len(img.segments) == 0 {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if img.entry < img.minAddr || img.entry >= img.maxAddr {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x)", img.entry, img.minAddr, img.maxAddr)
	}

	if img.relative {
		for _, sec := range f.Sections {
			if sec.Type != elf.SHT_RELA {
				continue
			}
			relas, err := readRelas(sec)
			if err != nil {
				return nil, err
			}
			img.relas = append(img.relas, relas...)
		}
	}

	return img, nil
}

func readRelas(sec *elf.Section) ([]elf.Rela64, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read ELF section %s: %w", sec.Name, err)
	}
	if len(data)%elfRela64Size != 0 {
		return nil, fmt.Errorf("ELF section %s size %d is not a multiple of %d", sec.Name, len(data), elfRela64Size)
	}

	relas := make([]elf.Rela64, len(data)/elfRela64Size)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, relas); err != nil {
		return nil, fmt.Errorf("decode ELF section %s: %w", sec.Name, err)
	}
	return relas, nil
}

// place writes the image into guest memory so that its lowest address lands at
// base (position independent images) or at its link address (fixed ones).
func (img *elfImage) place(w memoryWriter, base uint64) (Image, error) {
	var delta uint64
	if img.relative {
		delta = base - img.minAddr
	}

	for _, seg := range img.segments {
		dst := seg.addr + delta
		if err := w.Write(dst, seg.data); err != nil {
			return Image{}, fmt.Errorf("write ELF segment at %#x: %w", dst, err)
		}
		if bss := seg.memSize - seg.fileSize; bss > 0 {
			if err := zeroRange(w, dst+seg.fileSize, bss); err != nil {
				return Image{}, fmt.Errorf("clear ELF bss at %#x: %w", dst+seg.fileSize, err)
			}
		}
	}

	for _, rela := range img.relas {
		switch typ := elf.R_X86_64(elf.R_TYPE64(rela.Info)); typ {
		case elf.R_X86_64_NONE:
		case elf.R_X86_64_RELATIVE:
			var val [8]byte
			binary.LittleEndian.PutUint64(val[:], uint64(int64(delta)+rela.Addend))
			if err := w.Write(rela.Off+delta, val[:]); err != nil {
				return Image{}, fmt.Errorf("apply relocation at %#x: %w", rela.Off+delta, err)
			}
		default:
			return Image{}, fmt.Errorf("unsupported ELF relocation %s", typ)
		}
	}

	return Image{
		Entry: img.entry + delta,
		Start: img.minAddr + delta,
		End:   img.maxAddr + delta,
	}, nil
}
