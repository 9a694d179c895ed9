package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"
)

var (
	successStyle = color.New(color.Green, color.OpBold)
	dangerStyle  = color.New(color.Red, color.OpBold)
	warningStyle = color.New(color.Yellow, color.OpBold)
	headerStyle  = color.New(color.Cyan, color.OpBold)
	detailStyle  = color.New(color.Cyan)
	mutedStyle   = color.New(color.Gray)
)

func severityStyle(s Severity) color.Style {
	switch s {
	case SeverityCritical, SeverityHigh:
		return dangerStyle
	case SeverityMedium:
		return warningStyle
	default:
		return color.New(color.Yellow)
	}
}

// Print writes r to w as colored console text.
func Print(w io.Writer, r *Report) {
	title := fmt.Sprintf("[+] Scan %s", r.ID)
	fmt.Fprint(w, headerStyle.Sprintf("\n%s\n%s\n", title, strings.Repeat("=", len(title))))

	for _, c := range r.Checks {
		switch c.Outcome {
		case Clean:
			fmt.Fprint(w, successStyle.Sprintf("[✓] %-16s clean\n", c.Name))
		case Detected:
			fmt.Fprint(w, severityStyle(c.Severity).Sprintf("[!] %-16s %s (%s)\n", c.Name, c.Finding, c.Severity))
			if c.Detail != "" {
				fmt.Fprint(w, detailStyle.Sprintf("    %s\n", c.Detail))
			}
		case Inconclusive:
			fmt.Fprint(w, warningStyle.Sprintf("[-] %-16s inconclusive: %s\n", c.Name, c.Error))
		case Disabled:
			fmt.Fprint(w, mutedStyle.Sprintf("[ ] %-16s disabled\n", c.Name))
		}
	}

	fmt.Fprint(w, headerStyle.Sprintf("\n[+] Analysis complete in %s:\n", r.Duration.Round(time.Microsecond)))
	fmt.Fprint(w, successStyle.Sprintf("    Checks run: %d\n", len(r.Checks)))
	if n := len(r.Inconclusive()); n > 0 {
		fmt.Fprint(w, warningStyle.Sprintf("    Inconclusive: %d\n", n))
	}

	if !r.Abnormal {
		fmt.Fprint(w, successStyle.Sprintf("\n[✓] Threat level: %s\n", r.ThreatLevel()))
		return
	}
	fmt.Fprint(w, dangerStyle.Sprintf("    Detections: %d\n", r.Detections()))
	fmt.Fprint(w, dangerStyle.Sprintf("\n🚨 Threat level: %s\n", r.ThreatLevel()))
	for _, f := range r.Findings {
		fmt.Fprint(w, dangerStyle.Sprintf("   %s\n", f))
	}
}
