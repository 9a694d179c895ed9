// Package report holds the result of one scan of the running process.
package report

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome tags the result of a single check.
type Outcome int

const (
	Clean Outcome = iota
	Detected
	// Inconclusive means the check could not run to completion. It is never
	// treated as evidence.
	Inconclusive
	// Disabled means the check had nothing to look for.
	Disabled
)

var outcomeNames = [...]string{"clean", "detected", "inconclusive", "disabled"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "UNKNOWN"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Check is the tagged result of one detector.
type Check struct {
	Name     string   `json:"name"`
	Outcome  Outcome  `json:"outcome"`
	Severity Severity `json:"severity"`
	// Finding is the line added to the report when the check detects.
	Finding string `json:"finding,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`

	Err error `json:"-"`
}

func Pass(name string) Check {
	return Check{Name: name, Outcome: Clean}
}

func Detect(name string, sev Severity, finding, detail string) Check {
	return Check{Name: name, Outcome: Detected, Severity: sev, Finding: finding, Detail: detail}
}

func Fail(name string, err error) Check {
	c := Check{Name: name, Outcome: Inconclusive, Err: err}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

func Skip(name string) Check {
	return Check{Name: name, Outcome: Disabled}
}

// Report is built fresh for every scan and owned by the caller.
type Report struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Checks   []Check       `json:"checks"`
	Findings []string      `json:"findings"`
	Abnormal bool          `json:"abnormal"`
}

func New(started time.Time) *Report {
	return &Report{
		ID:       uuid.NewString(),
		Started:  started,
		Findings: []string{},
	}
}

// Add records c. Only a detecting check contributes a finding.
func (r *Report) Add(c Check) {
	r.Checks = append(r.Checks, c)
	if c.Outcome == Detected {
		r.Abnormal = true
		r.Findings = append(r.Findings, c.Finding)
	}
}

func (r *Report) Finish(now time.Time) {
	r.Duration = now.Sub(r.Started)
}

// Detections returns the number of detecting checks.
func (r *Report) Detections() int {
	n := 0
	for _, c := range r.Checks {
		if c.Outcome == Detected {
			n++
		}
	}
	return n
}

// Inconclusive returns the checks that could not complete.
func (r *Report) Inconclusive() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Outcome == Inconclusive {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) MaxSeverity() Severity {
	top := SeverityNone
	for _, c := range r.Checks {
		if c.Outcome == Detected && c.Severity > top {
			top = c.Severity
		}
	}
	return top
}

// ThreatLevel summarizes the report as a short label.
func (r *Report) ThreatLevel() string {
	if !r.Abnormal {
		return "Clean"
	}
	switch r.MaxSeverity() {
	case SeverityCritical:
		return "Critical"
	case SeverityHigh:
		return "High Risk"
	case SeverityMedium:
		return "Medium Risk"
	default:
		return "Low Risk"
	}
}

// Result joins the findings the way the detector has always printed them.
func (r *Report) Result() string {
	if !r.Abnormal {
		return "result: clean"
	}
	return "result: " + strings.Join(r.Findings, "\n")
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Checks = append([]Check(nil), r.Checks...)
	c.Findings = append([]string{}, r.Findings...)
	return &c
}
