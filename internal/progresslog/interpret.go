package progresslog

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Interpretation summarizes a log for humans.
type Interpretation struct {
	Message        string
	RelevantPart   string
	IncludeFullLog bool
	// DoNotReportToUser suppresses the failure report entirely.
	DoNotReportToUser bool
}

// Interpreter extracts the relevant part of a log. It returns nil when it
// has nothing to say.
type Interpreter func(log string) *Interpretation

// LastLines reports the last n lines of the log.
func LastLines(n int) Interpreter {
	return func(log string) *Interpretation {
		lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
		if len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return &Interpretation{
			Message:      fmt.Sprintf("Showing last %d lines of log", len(lines)),
			RelevantPart: strings.Join(lines, "\n"),
		}
	}
}

// DefaultInterpreter is used when an implementation has none.
var DefaultInterpreter = LastLines(10)

// Progress is a phase reached by a running goal.
type Progress struct {
	Phase string
}

// ProgressReporter maps one output line to a phase, or nil.
type ProgressReporter func(line string) *Progress

// ReporterTest maps lines matching Pattern to Phase. Phase may reference
// capture groups as $1.
type ReporterTest struct {
	Pattern *regexp.Regexp
	Phase   string
}

// TestReporter builds a reporter that returns the phase of the first
// matching test.
func TestReporter(tests ...ReporterTest) ProgressReporter {
	return func(line string) *Progress {
		for _, t := range tests {
			m := t.Pattern.FindStringSubmatchIndex(line)
			if m == nil {
				continue
			}
			return &Progress{Phase: string(t.Pattern.ExpandString(nil, t.Phase, line, m))}
		}
		return nil
	}
}

// Reporting wraps a log, feeding every complete line to a reporter and
// calling onPhase when the phase changes.
type Reporting struct {
	Log
	reporter ProgressReporter
	onPhase  func(phase string)

	mu      sync.Mutex
	partial string
	phase   string
}

func NewReporting(log Log, reporter ProgressReporter, onPhase func(phase string)) *Reporting {
	return &Reporting{Log: log, reporter: reporter, onPhase: onPhase}
}

func (r *Reporting) Write(format string, args ...interface{}) {
	r.Log.Write(format, args...)
	if r.reporter == nil {
		return
	}

	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}

	r.mu.Lock()
	text = r.partial + text
	lines := strings.Split(text, "\n")
	r.partial = lines[len(lines)-1]
	var changed []string
	for _, line := range lines[:len(lines)-1] {
		if p := r.reporter(line); p != nil && p.Phase != r.phase {
			r.phase = p.Phase
			changed = append(changed, p.Phase)
		}
	}
	r.mu.Unlock()

	if r.onPhase != nil {
		for _, phase := range changed {
			r.onPhase(phase)
		}
	}
}

// Phase is the last phase reported.
func (r *Reporting) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}
