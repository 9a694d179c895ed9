package integrity

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/AAVision/rasp-scanner/elfimage"
	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/procmaps"
	"github.com/AAVision/rasp-scanner/procmem"
)

// ErrSegmentNotMatched means no PT_LOAD entry sits at the file offset of the
// live mapping, so there is nothing on disk to compare against.
var ErrSegmentNotMatched = fmt.Errorf("no loadable segment at mapping offset: %w", fault.ErrNotFound)

// Status is the outcome of an integrity check.
type Status int

const (
	StatusClean Status = iota
	StatusTampered
	StatusInconclusive
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusTampered:
		return "tampered"
	default:
		return "inconclusive"
	}
}

// SegmentCheck holds both checksums of one segment.
type SegmentCheck struct {
	Kind   string
	Offset uint64
	Size   uint64
	Disk   uint32
	Live   uint32
}

// Modified reports whether live memory differs from the file.
func (c SegmentCheck) Modified() bool {
	return c.Disk != c.Live
}

// Verdict is the result of verifying one module.
type Verdict struct {
	Module   string
	Path     string
	Matched  bool
	Segments []SegmentCheck
	Tampered bool
}

// DiskChecksums returns the on-disk checksum of every compared segment.
func (v Verdict) DiskChecksums() []uint32 {
	sums := make([]uint32, 0, len(v.Segments))
	for _, s := range v.Segments {
		sums = append(sums, s.Disk)
	}
	return sums
}

// LiveChecksums returns the live checksum of every compared segment.
func (v Verdict) LiveChecksums() []uint32 {
	sums := make([]uint32, 0, len(v.Segments))
	for _, s := range v.Segments {
		sums = append(sums, s.Live)
	}
	return sums
}

// Verifier checks modules of the process described by Maps.
type Verifier struct {
	Maps   procmaps.Source
	Memory procmem.Opener
	// Protect makes a live range readable before it is hashed. It may be
	// nil; a failure only downgrades to reading with the current protection.
	Protect func(addr, size uint64, prot int) error
	Logger  *slog.Logger

	sum  *Checksummer
	disk *diskCache
}

// New returns a Verifier with its checksum table built.
func New(maps procmaps.Source, memory procmem.Opener, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		Maps:    maps,
		Memory:  memory,
		Protect: procmem.Protect,
		Logger:  logger,
		sum:     NewChecksummer(),
		disk:    newDiskCache(DefaultCacheSize),
	}
}

// Verify compares the executable segment of module, and its writable
// segment when one is mapped, with the file the module was loaded from.
//
// The on-disk segment is the PT_LOAD entry whose file offset equals the
// offset of the live mapping. A module can have several loadable segments
// with the same flags, so the offset is the only reliable join.
//
// Errors wrap fault.ErrNotFound (module not mapped, or no segment at the
// mapping offset), fault.ErrIO, fault.ErrFormat or fault.ErrUnreadable. None
// of them is evidence of tampering.
func (v *Verifier) Verify(module string) (Verdict, error) {
	verdict := Verdict{Module: module}

	maps, err := v.Maps.ReadMappings()
	if err != nil {
		return verdict, err
	}

	text, ok := procmaps.FindModuleMapInfo(maps, module, "x")
	if !ok {
		return verdict, fmt.Errorf("%w: no executable mapping for %q", fault.ErrNotFound, module)
	}
	data, hasData := procmaps.FindModuleMapInfo(maps, module, "rw")
	verdict.Path = text.Pathname

	img, err := elfimage.Open(text.Pathname)
	if err != nil {
		return verdict, err
	}
	defer img.Close()
	file := stamp(text.Pathname)

	segs := img.Segments(elfimage.AtOffset(elf.PF_X, text.Offset))
	if len(segs) == 0 {
		return verdict, fmt.Errorf("%w: %s offset %#x", ErrSegmentNotMatched, text.Pathname, text.Offset)
	}
	verdict.Matched = true

	mem, err := v.Memory()
	if err != nil {
		return verdict, err
	}
	defer mem.Close()

	check, err := v.compare(img, mem, "text", segs[0], text, file, unix.PROT_READ|unix.PROT_EXEC)
	if err != nil {
		return verdict, err
	}
	verdict.Segments = append(verdict.Segments, check)

	if hasData {
		segs := img.Segments(elfimage.AtOffset(elf.PF_W, data.Offset))
		if len(segs) > 0 {
			check, err := v.compare(img, mem, "data", segs[0], data, file, unix.PROT_READ|unix.PROT_WRITE)
			if err != nil {
				v.Logger.Warn("Data segment not compared",
					"module", module,
					"kind", fault.Kind(err),
					"error", err)
			} else {
				verdict.Segments = append(verdict.Segments, check)
			}
		}
	}

	for _, s := range verdict.Segments {
		if s.Modified() {
			verdict.Tampered = true
		}
	}
	return verdict, nil
}

func (v *Verifier) compare(img *elfimage.Image, mem procmem.Reader, kind string, seg elfimage.Segment, live procmaps.ModuleMapInfo, file *diskKey, prot int) (SegmentCheck, error) {
	check := SegmentCheck{
		Kind:   kind,
		Offset: seg.Offset,
		Size:   seg.MemSize,
	}

	key := file.segment(seg)
	sum, hit := v.disk.get(key)
	if !hit {
		disk, err := img.Bytes(seg.Offset, seg.MemSize)
		if err != nil {
			return SegmentCheck{}, err
		}
		sum = v.sum.Sum(disk)
		v.disk.add(key, sum)
	}
	check.Disk = sum

	if v.Protect != nil {
		// Never touch pages past the mapping we resolved.
		if err := v.Protect(live.Base, min(seg.MemSize, live.Size), prot); err != nil {
			v.Logger.Debug("Protection change refused, reading with current protection",
				"path", live.Pathname,
				"base", fmt.Sprintf("%#x", live.Base),
				"error", err)
		}
	}

	liveSum, err := v.sum.Live(mem, live.Base, seg.MemSize)
	if err != nil {
		return check, err
	}
	check.Live = liveSum
	return check, nil
}

// Summary is the outcome of verifying a list of modules.
type Summary struct {
	// Tampered is the first modified module, if any.
	Tampered *Verdict
	Clean    []string
	// Inconclusive maps a module to the error that stopped its check.
	Inconclusive map[string]error
}

// Status collapses the summary into one outcome.
func (s Summary) Status() Status {
	switch {
	case s.Tampered != nil:
		return StatusTampered
	case len(s.Clean) > 0 || len(s.Inconclusive) == 0:
		return StatusClean
	default:
		return StatusInconclusive
	}
}

// VerifyAll verifies names in order and stops at the first tampered module.
// A module that cannot be checked is recorded as inconclusive and the loop
// moves on.
func (v *Verifier) VerifyAll(names []string) Summary {
	summary := Summary{Inconclusive: make(map[string]error)}

	for _, name := range names {
		verdict, err := v.Verify(name)
		if err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				v.Logger.Debug("Module not checked", "module", name, "reason", err)
			} else {
				v.Logger.Warn("Module check inconclusive",
					"module", name,
					"kind", fault.Kind(err),
					"error", err)
			}
			summary.Inconclusive[name] = err
			continue
		}

		if verdict.Tampered {
			v.Logger.Error("Module modified in memory",
				"module", name,
				"path", verdict.Path,
				"disk_crc", fmt.Sprintf("%08x", verdict.DiskChecksums()),
				"live_crc", fmt.Sprintf("%08x", verdict.LiveChecksums()))
			summary.Tampered = &verdict
			return summary
		}

		v.Logger.Debug("Module intact", "module", name, "segments", len(verdict.Segments))
		summary.Clean = append(summary.Clean, name)
	}
	return summary
}
