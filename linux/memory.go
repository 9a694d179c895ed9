package linux

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/AAVision/rasp-scanner/procmaps"
	"github.com/AAVision/rasp-scanner/report"
)

// MemKeywords searches the contents of readable executable mappings for
// keywords. Mappings whose path contains selfModule are skipped, and a
// mapping that reads short is searched as far as it could be read.
func (s *Scanner) MemKeywords(keywords []string, selfModule string) report.Check {
	if !enabled(keywords) {
		return report.Skip(CheckMem)
	}

	maps, err := s.Source.ReadMappings()
	if err != nil {
		return report.Fail(CheckMem, err)
	}

	mem, err := s.Memory()
	if err != nil {
		return report.Fail(CheckMem, err)
	}
	defer mem.Close()

	var buf []byte
	for _, m := range maps {
		if !m.Perms.Read || !m.Perms.Exec {
			continue
		}
		if selfModule != "" && strings.Contains(m.Pathname, selfModule) {
			continue
		}

		size := m.Size()
		if size == 0 {
			continue
		}
		if s.MaxRegion > 0 && size > s.MaxRegion {
			s.Logger.Debug("Mapping too large for keyword scan",
				"range", rangeOf(m), "path", m.Pathname, "size", size)
			continue
		}

		if uint64(cap(buf)) < size {
			buf = make([]byte, size)
		}
		n, err := mem.ReadAt(buf[:size], m.Start)
		if n == 0 {
			s.Logger.Debug("Mapping unreadable", "range", rangeOf(m), "path", m.Pathname, "error", err)
			continue
		}

		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if i := bytes.Index(buf[:n], []byte(kw)); i >= 0 {
				return report.Detect(CheckMem, report.SeverityHigh, "detect suspicious mem",
					fmt.Sprintf("%q at %#x in %s %s", kw, m.Start+uint64(i), rangeOf(m), m.Pathname))
			}
		}
	}
	return report.Pass(CheckMem)
}

func rangeOf(m procmaps.Mapping) string {
	return fmt.Sprintf("%x-%x", m.Start, m.End)
}
