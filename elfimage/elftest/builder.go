// Package elftest builds small ELF64 files for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	headerSize  = 64
	progSize    = 56
	sectionSize = 64
	symSize     = 24
)

// Segment is a PT_LOAD entry. MemSize defaults to len(Data).
type Segment struct {
	Flags   elf.ProgFlag
	Data    []byte
	MemSize uint64
}

// Symbol is a .symtab entry.
type Symbol struct {
	Name  string
	Value uint64
}

// Builder lays out a little-endian ELF64 shared object.
type Builder struct {
	Segments []Segment
	Symbols  []Symbol
	// NoSymtab leaves out .symtab and .strtab, like a stripped library.
	NoSymtab bool
}

// Layout reports where the builder placed each segment in the file.
type Layout struct {
	Offsets []uint64
}

func align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

func put(buf []byte, off uint64, v any) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(buf[off:], b.Bytes())
}

// Bytes renders the file.
func (b Builder) Bytes() ([]byte, Layout) {
	var layout Layout

	off := uint64(headerSize + progSize*len(b.Segments))
	for _, s := range b.Segments {
		off = align(off, 16)
		layout.Offsets = append(layout.Offsets, off)
		off += uint64(len(s.Data))
	}

	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")
	const (
		nameSymtab   = 1
		nameStrtab   = 9
		nameShstrtab = 17
	)

	var strtab []byte
	var syms []elf.Sym64
	if !b.NoSymtab {
		strtab = []byte{0}
		syms = append(syms, elf.Sym64{})
		for _, s := range b.Symbols {
			syms = append(syms, elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Value: s.Value,
			})
			strtab = append(strtab, s.Name...)
			strtab = append(strtab, 0)
		}
	}

	off = align(off, 8)
	symtabOff := off
	off += uint64(len(syms) * symSize)
	strtabOff := off
	off += uint64(len(strtab))
	shstrtabOff := off
	off += uint64(len(shstrtab))

	off = align(off, 8)
	shoff := off

	sections := []elf.Section64{{}}
	if !b.NoSymtab {
		sections = append(sections,
			elf.Section64{
				Name:    nameSymtab,
				Type:    uint32(elf.SHT_SYMTAB),
				Off:     symtabOff,
				Size:    uint64(len(syms) * symSize),
				Link:    2,
				Entsize: symSize,
			},
			elf.Section64{
				Name: nameStrtab,
				Type: uint32(elf.SHT_STRTAB),
				Off:  strtabOff,
				Size: uint64(len(strtab)),
			},
		)
	}
	sections = append(sections, elf.Section64{
		Name: nameShstrtab,
		Type: uint32(elf.SHT_STRTAB),
		Off:  shstrtabOff,
		Size: uint64(len(shstrtab)),
	})
	off += uint64(len(sections) * sectionSize)

	buf := make([]byte, off)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	put(buf, 0, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(b.Segments)),
		Shentsize: sectionSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})

	for i, s := range b.Segments {
		memsz := s.MemSize
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		put(buf, headerSize+uint64(i*progSize), elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    layout.Offsets[i],
			Vaddr:  layout.Offsets[i],
			Paddr:  layout.Offsets[i],
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  16,
		})
		copy(buf[layout.Offsets[i]:], s.Data)
	}

	for i, sym := range syms {
		put(buf, symtabOff+uint64(i*symSize), sym)
	}
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)
	for i, s := range sections {
		put(buf, shoff+uint64(i*sectionSize), s)
	}

	return buf, layout
}

// WriteFile renders the file into dir and returns its path.
func (b Builder) WriteFile(t testing.TB, dir, name string) (string, Layout) {
	t.Helper()

	data, layout := b.Bytes()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path, layout
}
