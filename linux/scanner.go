// Package linux holds the heuristic detectors that look for instrumentation
// in the calling process through procfs.
package linux

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/procmaps"
	"github.com/AAVision/rasp-scanner/procmem"
	"github.com/AAVision/rasp-scanner/report"
)

// Check names, as they appear in reports and metrics.
const (
	CheckLinker    = "linker"
	CheckMaps      = "maps"
	CheckSmaps     = "smaps"
	CheckAnonMaps  = "anon_exec_maps"
	CheckAnonSmaps = "anon_exec_smaps"
	CheckLargeRWX  = "large_rwx"
	CheckMem       = "mem"
	CheckTasks     = "tasks"
	CheckTracer    = "tracer"
	CheckFDs       = "fds"
	CheckIntegrity = "integrity"
)

const (
	// DefaultMaxRegion caps a single executable mapping read by the memory
	// keyword scan.
	DefaultMaxRegion = 64 << 20

	DefaultLargeRWXMin       = 1 << 20
	DefaultLargeRWXThreshold = 5 << 20
)

// Scanner runs the detectors against one process. The zero value is not
// usable; build one with New or fill every field.
type Scanner struct {
	Source procmaps.Source
	Memory procmem.Opener
	Proc   procfs.FS
	PID    int
	// Status is the status file holding TracerPid.
	Status string
	Lister ModuleLister
	// MaxRegion skips larger mappings in the memory keyword scan. Zero
	// means no limit.
	MaxRegion uint64
	Logger    *slog.Logger
}

// New returns a Scanner for the calling process.
func New(logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("%w: procfs: %w", fault.ErrIO, err)
	}

	return &Scanner{
		Source:    procmaps.Self(),
		Memory:    procmem.Self,
		Proc:      fs,
		PID:       os.Getpid(),
		Status:    "/proc/self/status",
		Lister:    &LinkMap{Auxv: "/proc/self/auxv", Memory: procmem.Self},
		MaxRegion: DefaultMaxRegion,
		Logger:    logger,
	}, nil
}

// matchWord returns the first non-empty word contained in s.
func matchWord(s string, words []string) (string, bool) {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return w, true
		}
	}
	return "", false
}

func enabled(words []string) bool {
	for _, w := range words {
		if w != "" {
			return true
		}
	}
	return false
}

// SensitiveLines returns the first line of r that contains any of words.
func SensitiveLines(r io.Reader, words []string) (string, bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, ok := matchWord(line, words); ok {
			return line, true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	return "", false, nil
}

// Maps looks for words in the summary memory map.
func (s *Scanner) Maps(words []string) report.Check {
	return s.sensitive(CheckMaps, false, words, "detect suspicious maps")
}

// Smaps looks for words in the detailed memory map.
func (s *Scanner) Smaps(words []string) report.Check {
	return s.sensitive(CheckSmaps, true, words, "detect suspicious smaps")
}

func (s *Scanner) sensitive(name string, detailed bool, words []string, finding string) report.Check {
	if !enabled(words) {
		return report.Skip(name)
	}

	r, err := s.Source.Open(detailed)
	if err != nil {
		return report.Fail(name, err)
	}
	defer r.Close()

	line, found, err := SensitiveLines(r, words)
	if err != nil {
		return report.Fail(name, err)
	}
	if !found {
		return report.Pass(name)
	}
	return report.Detect(name, report.SeverityHigh, finding, strings.TrimSpace(line))
}

// AnonExec looks for executable mappings that have no backing file.
func (s *Scanner) AnonExec(detailed bool) report.Check {
	name, source := CheckAnonMaps, "maps"
	if detailed {
		name, source = CheckAnonSmaps, "smaps"
	}

	r, err := s.Source.Open(detailed)
	if err != nil {
		return report.Fail(name, err)
	}
	defer r.Close()

	var (
		first procmaps.Block
		count int
	)
	err = procmaps.ScanBlocks(r, func(b procmaps.Block) bool {
		if b.AnonExec() {
			if count == 0 {
				first = b
			}
			count++
		}
		return true
	})
	if err != nil {
		return report.Fail(name, err)
	}
	if count == 0 {
		return report.Pass(name)
	}

	c := report.Detect(name, report.SeverityMedium,
		fmt.Sprintf("detect %s anonymous executable memory", source),
		fmt.Sprintf("%x-%x %s", first.Start, first.End, first.Perms))
	c.Count = count
	return c
}

// LargeRWX adds up the writable and executable mappings bigger than
// minRegion and reports when the total exceeds threshold.
func (s *Scanner) LargeRWX(minRegion, threshold uint64) report.Check {
	if threshold == 0 {
		return report.Skip(CheckLargeRWX)
	}

	r, err := s.Source.Open(true)
	if err != nil {
		return report.Fail(CheckLargeRWX, err)
	}
	defer r.Close()

	var total uint64
	var count int
	err = procmaps.ScanBlocks(r, func(b procmaps.Block) bool {
		p := b.Perms
		if p.Read && p.Write && p.Exec && b.Size() > minRegion {
			total += b.Size()
			count++
		}
		return true
	})
	if err != nil {
		return report.Fail(CheckLargeRWX, err)
	}
	if total <= threshold {
		return report.Pass(CheckLargeRWX)
	}

	c := report.Detect(CheckLargeRWX, report.SeverityMedium,
		fmt.Sprintf("detect large rwx memory: %dMB", total>>20),
		fmt.Sprintf("%d regions, %d bytes", count, total))
	c.Count = count
	return c
}
