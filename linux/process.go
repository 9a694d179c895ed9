package linux

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/report"
)

// Tasks looks for threads whose name contains one of names.
func (s *Scanner) Tasks(names []string) report.Check {
	if !enabled(names) {
		return report.Skip(CheckTasks)
	}

	threads, err := s.Proc.AllThreads(s.PID)
	if err != nil {
		return report.Fail(CheckTasks, fmt.Errorf("%w: %w", fault.ErrIO, err))
	}

	for _, t := range threads {
		status, err := t.NewStatus()
		if err != nil {
			// The thread may have exited since the directory was listed.
			s.Logger.Debug("Thread status unreadable", "tid", t.PID, "error", err)
			continue
		}
		if _, ok := matchWord(status.Name, names); ok {
			return report.Detect(CheckTasks, report.SeverityHigh, "detect suspicious task",
				fmt.Sprintf("thread %d %q", t.PID, status.Name))
		}
	}
	return report.Pass(CheckTasks)
}

// TracerPid reports a debugger or tracer attached to the process.
func (s *Scanner) TracerPid() report.Check {
	pid, err := readTracerPid(s.Status)
	if err != nil {
		return report.Fail(CheckTracer, err)
	}
	if pid == 0 {
		return report.Pass(CheckTracer)
	}
	return report.Detect(CheckTracer, report.SeverityCritical, "detect debugger attached",
		fmt.Sprintf("TracerPid: %d", pid))
}

func readTracerPid(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("%w: TracerPid %q", fault.ErrFormat, value)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", fault.ErrIO, err)
	}
	return 0, fmt.Errorf("%w: no TracerPid in %s", fault.ErrNotFound, path)
}

// FileDescriptors looks for open descriptors whose target contains one of
// words.
func (s *Scanner) FileDescriptors(words []string) report.Check {
	if !enabled(words) {
		return report.Skip(CheckFDs)
	}

	proc, err := s.Proc.Proc(s.PID)
	if err != nil {
		return report.Fail(CheckFDs, fmt.Errorf("%w: %w", fault.ErrIO, err))
	}
	targets, err := proc.FileDescriptorTargets()
	if err != nil {
		return report.Fail(CheckFDs, fmt.Errorf("%w: %w", fault.ErrIO, err))
	}

	for _, target := range targets {
		if _, ok := matchWord(target, words); ok {
			return report.Detect(CheckFDs, report.SeverityHigh, "detect suspicious fd", target)
		}
	}
	return report.Pass(CheckFDs)
}
