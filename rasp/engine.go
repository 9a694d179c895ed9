// Package rasp runs every detector against the calling process and folds
// the results into one report.
package rasp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AAVision/rasp-scanner/config"
	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/integrity"
	"github.com/AAVision/rasp-scanner/linux"
	"github.com/AAVision/rasp-scanner/metrics"
	"github.com/AAVision/rasp-scanner/procmaps"
	"github.com/AAVision/rasp-scanner/procmem"
	"github.com/AAVision/rasp-scanner/report"
)

// Engine runs scans. It is safe for concurrent use; each Scan builds its
// own report.
type Engine struct {
	Config   *config.Config
	Scanner  *linux.Scanner
	Verifier *integrity.Verifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	mu   sync.Mutex
	last *report.Report
}

// New wires an Engine for the calling process.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	scanner, err := linux.New(logger)
	if err != nil {
		return nil, err
	}
	scanner.MaxRegion = cfg.MemMaxRegion

	return &Engine{
		Config:   cfg,
		Scanner:  scanner,
		Verifier: integrity.New(procmaps.Self(), procmem.Self, logger),
		Logger:   logger,
		Metrics:  m,
	}, nil
}

type step struct {
	name string
	run  func() report.Check
}

func (e *Engine) steps() []step {
	cfg, s := e.Config, e.Scanner

	anon := func(detailed bool) func() report.Check {
		return func() report.Check {
			if !cfg.AnonExec {
				if detailed {
					return report.Skip(linux.CheckAnonSmaps)
				}
				return report.Skip(linux.CheckAnonMaps)
			}
			return s.AnonExec(detailed)
		}
	}

	return []step{
		{linux.CheckLinker, func() report.Check { return s.Linker(cfg.LinkerWords) }},
		{linux.CheckMaps, func() report.Check { return s.Maps(cfg.MapsWords) }},
		{linux.CheckSmaps, func() report.Check { return s.Smaps(cfg.MapsWords) }},
		{linux.CheckAnonMaps, anon(false)},
		{linux.CheckAnonSmaps, anon(true)},
		{linux.CheckMem, func() report.Check { return s.MemKeywords(cfg.MemKeywords, cfg.SelfModule) }},
		{linux.CheckTasks, func() report.Check { return s.Tasks(cfg.TaskNames) }},
		{linux.CheckIntegrity, e.checkIntegrity},
		{linux.CheckLargeRWX, func() report.Check { return s.LargeRWX(cfg.LargeRWXMin, cfg.LargeRWXThreshold) }},
		{linux.CheckTracer, s.TracerPid},
		{linux.CheckFDs, func() report.Check { return s.FileDescriptors(cfg.FDWords) }},
	}
}

// Scan runs every check in a fixed order and returns a fresh report. It
// never fails: a check that cannot complete is recorded as inconclusive and
// contributes no finding. Once ctx is done the remaining checks are
// recorded as inconclusive without running.
func (e *Engine) Scan(ctx context.Context) *report.Report {
	r := report.New(time.Now())

	for _, st := range e.steps() {
		var c report.Check
		if err := ctx.Err(); err != nil {
			c = report.Fail(st.name, err)
		} else {
			c = st.run()
		}
		e.log(c)
		r.Add(c)
	}
	r.Finish(time.Now())

	if r.Abnormal {
		e.Logger.Warn("Environment abnormal",
			"scan_id", r.ID,
			"threat_level", r.ThreatLevel(),
			"findings", r.Findings)
	} else {
		e.Logger.Info("Environment clean", "scan_id", r.ID, "duration", r.Duration)
	}
	e.Metrics.ObserveReport(r)

	e.mu.Lock()
	e.last = r.Clone()
	e.mu.Unlock()

	return r
}

func (e *Engine) log(c report.Check) {
	switch c.Outcome {
	case report.Detected:
		e.Logger.Warn("Detection", "check", c.Name, "finding", c.Finding, "detail", c.Detail, "severity", c.Severity)
	case report.Inconclusive:
		if errors.Is(c.Err, fault.ErrNotFound) || errors.Is(c.Err, context.Canceled) {
			e.Logger.Debug("Check inconclusive", "check", c.Name, "error", c.Err)
		} else {
			e.Logger.Warn("Check inconclusive", "check", c.Name, "kind", fault.Kind(c.Err), "error", c.Err)
		}
	}
}

func (e *Engine) checkIntegrity() report.Check {
	modules := e.Config.Modules
	if len(modules) == 0 {
		return report.Skip(linux.CheckIntegrity)
	}

	summary := e.Verifier.VerifyAll(modules)
	for range summary.Clean {
		e.Metrics.ObserveIntegrity(integrity.StatusClean.String())
	}
	for range summary.Inconclusive {
		e.Metrics.ObserveIntegrity(integrity.StatusInconclusive.String())
	}

	if v := summary.Tampered; v != nil {
		e.Metrics.ObserveIntegrity(integrity.StatusTampered.String())

		var parts []string
		for _, s := range v.Segments {
			if s.Modified() {
				parts = append(parts, fmt.Sprintf("%s@%#x disk %08x live %08x", s.Kind, s.Offset, s.Disk, s.Live))
			}
		}
		return report.Detect(linux.CheckIntegrity, report.SeverityCritical,
			"detect lib has been hooked: "+v.Module,
			v.Path+": "+strings.Join(parts, ", "))
	}

	skipped := make([]string, 0, len(summary.Inconclusive))
	for name := range summary.Inconclusive {
		skipped = append(skipped, name)
	}
	slices.Sort(skipped)

	if summary.Status() == integrity.StatusInconclusive {
		errs := make([]error, 0, len(skipped))
		for _, name := range skipped {
			errs = append(errs, summary.Inconclusive[name])
		}
		return report.Fail(linux.CheckIntegrity, errors.Join(errs...))
	}

	c := report.Pass(linux.CheckIntegrity)
	c.Count = len(summary.Clean)
	c.Detail = "verified: " + strings.Join(summary.Clean, ", ")
	if len(skipped) > 0 {
		c.Detail += "; not checked: " + strings.Join(skipped, ", ")
	}
	return c
}

// Last returns a copy of the most recent report, or nil before the first
// scan.
func (e *Engine) Last() *report.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.Clone()
}

// Watch scans immediately and then every interval until ctx is done,
// calling onAbnormal with each report that has a detection.
func (e *Engine) Watch(ctx context.Context, interval time.Duration, onAbnormal func(*report.Report)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r := e.Scan(ctx)
		if r.Abnormal && onAbnormal != nil && ctx.Err() == nil {
			onAbnormal(r)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
