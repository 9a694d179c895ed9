package elfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"

	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/procmaps"
)

var (
	// ErrNoSymbolTable means the file has no .symtab or no .strtab
	// (typically a stripped library).
	ErrNoSymbolTable = fmt.Errorf("no .symtab/.strtab: %w", fault.ErrNotFound)
	// ErrSymbolNotFound means no symbol name contains the requested name.
	ErrSymbolNotFound = fmt.Errorf("symbol: %w", fault.ErrNotFound)
)

func (img *Image) sections() ([]elf.Section64, error) {
	h := img.Header
	if h.Shnum == 0 {
		return nil, nil
	}
	if h.Shentsize != section64Size {
		return nil, fmt.Errorf("%w: %s: unexpected section header size %d", fault.ErrFormat, img.Path, h.Shentsize)
	}

	sections := make([]elf.Section64, h.Shnum)
	for i := range sections {
		off := h.Shoff + uint64(i)*section64Size
		if err := img.decode(off, &sections[i]); err != nil {
			return nil, err
		}
	}
	return sections, nil
}

func cstring(table []byte, off uint32) string {
	if uint64(off) >= uint64(len(table)) {
		return ""
	}
	s := table[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

func (img *Image) sectionData(s *elf.Section64) ([]byte, error) {
	return img.Bytes(s.Off, s.Size)
}

// SymbolOffset returns the value of the first .symtab entry, in file order,
// whose name contains name. Substring matching tolerates versioned and
// mangled names. A zero result with a nil error is a real symbol at zero;
// absence is always reported as an error wrapping fault.ErrNotFound.
func (img *Image) SymbolOffset(name string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}

	sections, err := img.sections()
	if err != nil {
		return 0, err
	}
	shstrndx := int(img.Header.Shstrndx)
	if shstrndx == 0 || shstrndx >= len(sections) {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbolTable, img.Path)
	}
	names, err := img.sectionData(&sections[shstrndx])
	if err != nil {
		return 0, err
	}

	var symtab, strtab *elf.Section64
	for i := range sections {
		switch cstring(names, sections[i].Name) {
		case ".symtab":
			symtab = &sections[i]
		case ".strtab":
			strtab = &sections[i]
		}
	}
	if symtab == nil || strtab == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbolTable, img.Path)
	}

	if _, err := img.sectionData(symtab); err != nil {
		return 0, err
	}
	strs, err := img.sectionData(strtab)
	if err != nil {
		return 0, err
	}

	count := symtab.Size / sym64Size
	for i := uint64(0); i < count; i++ {
		var sym elf.Sym64
		if err := img.decode(symtab.Off+i*sym64Size, &sym); err != nil {
			return 0, err
		}
		if strings.Contains(cstring(strs, sym.Name), name) {
			return sym.Value, nil
		}
	}

	return 0, fmt.Errorf("%w: %q in %s", ErrSymbolNotFound, name, img.Path)
}

// SymbolOffset opens path, resolves name and releases the file again.
func SymbolOffset(path, name string) (uint64, error) {
	img, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer img.Close()

	return img.SymbolOffset(name)
}

// FunctionAddress returns the live address of symbol in module: the base of
// the module's first mapping plus the symbol's offset in its file. The result
// is only meaningful inside the current process instance.
func FunctionAddress(src procmaps.Source, module, symbol string) (uint64, error) {
	maps, err := src.ReadMappings()
	if err != nil {
		return 0, err
	}

	info, ok := procmaps.FindModuleMapInfo(maps, module, "")
	if !ok {
		return 0, fmt.Errorf("%w: module %q", fault.ErrNotFound, module)
	}

	off, err := SymbolOffset(info.Pathname, symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve %s in %s: %w", symbol, module, err)
	}
	return info.Base + off, nil
}
