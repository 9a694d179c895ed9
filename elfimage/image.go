// Package elfimage reads ELF64 modules from disk through a read-only private
// mapping of the file, so the bytes compared against live memory are exactly
// the bytes on disk.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/AAVision/rasp-scanner/fault"
)

const (
	prog64Size    = 56
	section64Size = 64
	sym64Size     = 24
)

// Segment describes one PT_LOAD program header.
type Segment struct {
	Flags    elf.ProgFlag
	Offset   uint64
	Vaddr    uint64
	FileSize uint64
	MemSize  uint64
}

// Executable reports whether the segment carries PF_X.
func (s Segment) Executable() bool {
	return s.Flags&elf.PF_X != 0
}

// Writable reports whether the segment carries PF_W.
func (s Segment) Writable() bool {
	return s.Flags&elf.PF_W != 0
}

// Image is an open ELF64 file. It owns the file mapping until Close.
type Image struct {
	Path   string
	Header elf.Header64

	data  []byte
	order binary.ByteOrder
	progs []elf.Prog64
}

// Open maps path read-only and validates its header. On any error the
// mapping has already been released.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	if st.Size() < int64(len(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: %s: file too small for an ELF header", fault.ErrFormat, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %w", fault.ErrIO, path, err)
	}

	img := &Image{Path: path, data: data}
	if err := img.parse(); err != nil {
		img.Close()
		return nil, err
	}
	return img, nil
}

// Close unmaps the file. It is safe to call more than once.
func (img *Image) Close() error {
	if img.data == nil {
		return nil
	}
	err := unix.Munmap(img.data)
	img.data = nil
	return err
}

// Size returns the length of the mapped file.
func (img *Image) Size() uint64 {
	return uint64(len(img.data))
}

func (img *Image) parse() error {
	if !bytes.Equal(img.data[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return fmt.Errorf("%w: %s: bad ELF magic", fault.ErrFormat, img.Path)
	}
	if len(img.data) < elf.EI_NIDENT {
		return fmt.Errorf("%w: %s: truncated ident", fault.ErrFormat, img.Path)
	}
	if elf.Class(img.data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("%w: %s: not ELFCLASS64", fault.ErrFormat, img.Path)
	}

	switch elf.Data(img.data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		img.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: %s: unknown data encoding", fault.ErrFormat, img.Path)
	}

	if err := img.decode(0, &img.Header); err != nil {
		return err
	}

	h := img.Header
	if h.Phnum == 0 {
		return nil
	}
	if h.Phentsize != prog64Size {
		return fmt.Errorf("%w: %s: unexpected program header size %d", fault.ErrFormat, img.Path, h.Phentsize)
	}

	img.progs = make([]elf.Prog64, h.Phnum)
	for i := range img.progs {
		off := h.Phoff + uint64(i)*prog64Size
		if err := img.decode(off, &img.progs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the n file bytes starting at off, without copying.
func (img *Image) Bytes(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(img.data)) {
		return nil, fmt.Errorf("%w: %s: range %#x+%#x outside file of %#x bytes",
			fault.ErrFormat, img.Path, off, n, len(img.data))
	}
	return img.data[off:end], nil
}

func (img *Image) decode(off uint64, v any) error {
	b, err := img.Bytes(off, uint64(binary.Size(v)))
	if err != nil {
		return err
	}
	if err := binary.Read(bytes.NewReader(b), img.order, v); err != nil {
		return fmt.Errorf("%w: %s: %w", fault.ErrFormat, img.Path, err)
	}
	return nil
}

// Segments returns the PT_LOAD entries accepted by match, in program header
// order. A nil match accepts every loadable segment.
func (img *Image) Segments(match func(elf.Prog64) bool) []Segment {
	var segs []Segment
	for _, p := range img.progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		segs = append(segs, Segment{
			Flags:    elf.ProgFlag(p.Flags),
			Offset:   p.Off,
			Vaddr:    p.Vaddr,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
		})
	}
	return segs
}

// AtOffset builds a match func selecting segments with the given flag bits
// whose file offset is exactly off.
func AtOffset(flag elf.ProgFlag, off uint64) func(elf.Prog64) bool {
	return func(p elf.Prog64) bool {
		return elf.ProgFlag(p.Flags)&flag != 0 && p.Off == off
	}
}
