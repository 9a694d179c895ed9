package procmaps

import (
	"fmt"
	"strings"

	"github.com/AAVision/rasp-scanner/fault"
)

// ModuleMapInfo is the part of a mapping the integrity checks need. The zero
// value means the module/permission pair was not found.
type ModuleMapInfo struct {
	Base     uint64
	Size     uint64
	Offset   uint64
	Pathname string
}

// Found reports whether the info describes a real mapping.
func (i ModuleMapInfo) Found() bool {
	return i.Base != 0 || i.Size != 0
}

// FindModulePath returns the pathname of the first mapping whose pathname
// contains name. Matching is by substring so versioned file names
// (libc.so.6, libfoo-1.2.so) resolve from their short name.
func FindModulePath(maps []Mapping, name string) (string, bool) {
	for _, m := range maps {
		if m.Pathname != "" && strings.Contains(m.Pathname, name) {
			return m.Pathname, true
		}
	}
	return "", false
}

// FindModuleMapInfo returns the first mapping of module name whose
// permission field contains perm ("x", "rw", ...). An empty perm matches any
// mapping of the module.
func FindModuleMapInfo(maps []Mapping, name, perm string) (ModuleMapInfo, bool) {
	for _, m := range maps {
		if m.Pathname == "" || !strings.Contains(m.Pathname, name) {
			continue
		}
		if !strings.Contains(m.Perms.String(), perm) {
			continue
		}
		return ModuleMapInfo{
			Base:     m.Start,
			Size:     m.Size(),
			Offset:   m.Offset,
			Pathname: m.Pathname,
		}, true
	}
	return ModuleMapInfo{}, false
}

// ModulePath resolves name against a fresh read of the map.
func (s Source) ModulePath(name string) (string, error) {
	maps, err := s.ReadMappings()
	if err != nil {
		return "", err
	}
	path, ok := FindModulePath(maps, name)
	if !ok {
		return "", fmt.Errorf("%w: module %q", fault.ErrNotFound, name)
	}
	return path, nil
}

// ModuleMapInfo resolves name and perm against a fresh read of the map.
func (s Source) ModuleMapInfo(name, perm string) (ModuleMapInfo, error) {
	maps, err := s.ReadMappings()
	if err != nil {
		return ModuleMapInfo{}, err
	}
	info, ok := FindModuleMapInfo(maps, name, perm)
	if !ok {
		return ModuleMapInfo{}, fmt.Errorf("%w: module %q with perm %q", fault.ErrNotFound, name, perm)
	}
	return info, nil
}
