package linux

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/procmem"
	"github.com/AAVision/rasp-scanner/report"
)

// ModuleLister enumerates the modules the dynamic linker has loaded.
type ModuleLister interface {
	Modules() ([]string, error)
}

// ErrStaticBinary is returned when the process has no dynamic linker state.
var ErrStaticBinary = fmt.Errorf("no dynamic linker state: %w", fault.ErrNotFound)

const (
	atNull  = 0
	atPhdr  = 3
	atPhnum = 5

	linkMapSize = 40
	maxModules  = 4096
	maxNameLen  = 4096
)

// LinkMap walks the dynamic linker's module list in memory. The list head
// is found through the auxiliary vector: the program headers give the
// PT_DYNAMIC segment, whose DT_DEBUG entry points at r_debug.
type LinkMap struct {
	Auxv   string
	Memory procmem.Opener
}

// Modules returns the name of every module in load order. The main program
// has an empty name and is left out.
func (l *LinkMap) Modules() ([]string, error) {
	auxv, err := readAuxv(l.Auxv)
	if err != nil {
		return nil, err
	}
	phdr, phnum := auxv[atPhdr], auxv[atPhnum]
	if phdr == 0 || phnum == 0 {
		return nil, fmt.Errorf("%w: auxv has no program headers", fault.ErrFormat)
	}

	mem, err := l.Memory()
	if err != nil {
		return nil, err
	}
	defer mem.Close()

	rdebug, err := findDebug(mem, phdr, phnum)
	if err != nil {
		return nil, err
	}

	node, err := readWord(mem, rdebug+8)
	if err != nil {
		return nil, err
	}

	var names []string
	for i := 0; node != 0; i++ {
		if i == maxModules {
			return names, fmt.Errorf("%w: link_map chain longer than %d", fault.ErrFormat, maxModules)
		}

		var entry [linkMapSize]byte
		if _, err := procmem.ReadFull(mem, entry[:], node); err != nil {
			return names, err
		}
		nameAddr := binary.NativeEndian.Uint64(entry[8:])
		next := binary.NativeEndian.Uint64(entry[24:])

		if nameAddr != 0 {
			name, err := readCString(mem, nameAddr)
			if err != nil {
				return names, err
			}
			if name != "" {
				names = append(names, name)
			}
		}
		node = next
	}
	return names, nil
}

func readAuxv(path string) (map[uint64]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}

	auxv := make(map[uint64]uint64)
	for len(data) >= 16 {
		key := binary.NativeEndian.Uint64(data)
		val := binary.NativeEndian.Uint64(data[8:])
		if key == atNull {
			break
		}
		auxv[key] = val
		data = data[16:]
	}
	return auxv, nil
}

// findDebug returns the address of r_debug.
func findDebug(mem procmem.Reader, phdr, phnum uint64) (uint64, error) {
	raw := make([]byte, phnum*56)
	if _, err := procmem.ReadFull(mem, raw, phdr); err != nil {
		return 0, err
	}
	progs := make([]elf.Prog64, phnum)
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, progs); err != nil {
		return 0, fmt.Errorf("%w: program headers: %w", fault.ErrFormat, err)
	}

	var bias uint64
	var dynamic *elf.Prog64
	for i := range progs {
		switch elf.ProgType(progs[i].Type) {
		case elf.PT_PHDR:
			bias = phdr - progs[i].Vaddr
		case elf.PT_DYNAMIC:
			dynamic = &progs[i]
		}
	}
	if dynamic == nil {
		return 0, ErrStaticBinary
	}

	addr := bias + dynamic.Vaddr
	for off := uint64(0); off+16 <= dynamic.Memsz; off += 16 {
		var dyn [16]byte
		if _, err := procmem.ReadFull(mem, dyn[:], addr+off); err != nil {
			return 0, err
		}
		tag := elf.DynTag(int64(binary.NativeEndian.Uint64(dyn[:])))
		val := binary.NativeEndian.Uint64(dyn[8:])
		switch tag {
		case elf.DT_NULL:
			return 0, ErrStaticBinary
		case elf.DT_DEBUG:
			if val == 0 {
				return 0, ErrStaticBinary
			}
			return val, nil
		}
	}
	return 0, ErrStaticBinary
}

func readWord(mem procmem.Reader, addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := procmem.ReadFull(mem, b[:], addr); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}

func readCString(mem procmem.Reader, addr uint64) (string, error) {
	var out []byte
	buf := make([]byte, 64)
	for len(out) < maxNameLen {
		n, err := mem.ReadAt(buf, addr+uint64(len(out)))
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		if err != nil || n == 0 {
			return "", fmt.Errorf("%w: unterminated name at %#x", fault.ErrUnreadable, addr)
		}
		out = append(out, buf[:n]...)
	}
	return string(out), nil
}

// Linker reports the first loaded module whose name contains one of words.
func (s *Scanner) Linker(words []string) report.Check {
	if !enabled(words) {
		return report.Skip(CheckLinker)
	}

	modules, err := s.Lister.Modules()
	if err != nil {
		return report.Fail(CheckLinker, err)
	}
	for _, m := range modules {
		if _, ok := matchWord(m, words); ok {
			return report.Detect(CheckLinker, report.SeverityHigh, "detect sensitive lib from linker: "+m, m)
		}
	}
	return report.Pass(CheckLinker)
}
