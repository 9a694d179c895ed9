// Package procmaps parses the kernel's description of a process address
// space (/proc/<pid>/maps and /proc/<pid>/smaps) and resolves modules in it.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AAVision/rasp-scanner/fault"
)

const (
	selfMaps  = "/proc/self/maps"
	selfSmaps = "/proc/self/smaps"
)

// Perms is the decoded four character permission field.
type Perms struct {
	Read    bool
	Write   bool
	Exec    bool
	Private bool
	Shared  bool
	raw     string
}

func parsePerms(s string) (Perms, bool) {
	if len(s) != 4 {
		return Perms{}, false
	}
	p := Perms{raw: s}
	switch s[0] {
	case 'r':
		p.Read = true
	case '-':
	default:
		return Perms{}, false
	}
	switch s[1] {
	case 'w':
		p.Write = true
	case '-':
	default:
		return Perms{}, false
	}
	switch s[2] {
	case 'x':
		p.Exec = true
	case '-':
	default:
		return Perms{}, false
	}
	switch s[3] {
	case 'p':
		p.Private = true
	case 's':
		p.Shared = true
	default:
		return Perms{}, false
	}
	return p, true
}

// String returns the permission field as the kernel printed it.
func (p Perms) String() string {
	return p.raw
}

// Mapping is one line of the summary map description.
type Mapping struct {
	Start    uint64
	End      uint64
	Perms    Perms
	Offset   uint64
	Dev      string
	Inode    uint64
	Pathname string
}

// Size returns the length of the mapped range.
func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

// Anonymous reports whether the mapping has no backing pathname.
func (m Mapping) Anonymous() bool {
	return m.Pathname == ""
}

// nextField splits off the first whitespace separated field of s.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// ParseLine parses `<start>-<end> <perm4> <offset> <dev> <inode> [pathname]`.
// The pathname is the remainder of the line and may contain spaces.
func ParseLine(line string) (Mapping, bool) {
	line = strings.TrimRight(line, "\r\n")

	addr, rest := nextField(line)
	perm, rest := nextField(rest)
	off, rest := nextField(rest)
	dev, rest := nextField(rest)
	inode, rest := nextField(rest)
	if inode == "" {
		return Mapping{}, false
	}

	lo, hi, ok := strings.Cut(addr, "-")
	if !ok {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil || end < start {
		return Mapping{}, false
	}

	perms, ok := parsePerms(perm)
	if !ok {
		return Mapping{}, false
	}

	offset, err := strconv.ParseUint(off, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	if !strings.Contains(dev, ":") {
		return Mapping{}, false
	}
	ino, err := strconv.ParseUint(inode, 10, 64)
	if err != nil {
		return Mapping{}, false
	}

	return Mapping{
		Start:    start,
		End:      end,
		Perms:    perms,
		Offset:   offset,
		Dev:      dev,
		Inode:    ino,
		Pathname: strings.TrimSpace(rest),
	}, true
}

// Parse reads a summary map description. Lines that do not parse are
// skipped; a mapping can disappear while the kernel is printing it and that
// must not fail the whole read.
func Parse(r io.Reader) ([]Mapping, error) {
	var maps []Mapping

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, ok := ParseLine(line)
		if !ok {
			continue
		}
		maps = append(maps, m)
	}

	if err := scanner.Err(); err != nil {
		return maps, fmt.Errorf("%w: reading maps: %w", fault.ErrIO, err)
	}
	return maps, nil
}

// Source names the two map descriptions of one process. Every read goes
// back to the files: the layout changes under us and a cached copy would
// hide exactly the changes we look for.
type Source struct {
	Maps  string
	Smaps string
}

// Self returns the source for the calling process.
func Self() Source {
	return Source{Maps: selfMaps, Smaps: selfSmaps}
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	return f, nil
}

// ReadMappings parses the summary description.
func (s Source) ReadMappings() ([]Mapping, error) {
	f, err := open(s.Maps)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// ReadBlocks parses the detailed description.
func (s Source) ReadBlocks() ([]Block, error) {
	f, err := open(s.Smaps)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseDetailed(f)
}

// Open opens the description selected by detailed for streaming callers.
func (s Source) Open(detailed bool) (io.ReadCloser, error) {
	if detailed {
		return open(s.Smaps)
	}
	return open(s.Maps)
}
