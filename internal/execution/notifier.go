package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/secrets"
	"go.uber.org/zap"
)

// FailureReport describes a failed goal for the people who pushed.
type FailureReport struct {
	Event          *goals.GoalEvent
	Implementation string
	Stage          Stage
	Interpretation *progresslog.Interpretation
	LogURL         string
	ErrorText      string
	Channels       []string
}

// Markdown renders the report for chat or commit comments.
func (r FailureReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** failed", r.Event.Name)
	if r.Stage != "" {
		fmt.Fprintf(&b, " in %s", r.Stage)
	}
	fmt.Fprintf(&b, " for `%s` on `%s`\n\n", shortSHA(r.Event.SHA), r.Event.Branch)

	if r.Interpretation != nil && r.Interpretation.Message != "" {
		b.WriteString(r.Interpretation.Message + "\n\n")
	} else if r.ErrorText != "" {
		b.WriteString(r.ErrorText + "\n\n")
	}
	if r.Interpretation != nil && r.Interpretation.RelevantPart != "" {
		b.WriteString("```\n" + strings.TrimRight(r.Interpretation.RelevantPart, "\n") + "\n```\n\n")
	}
	if r.LogURL != "" {
		fmt.Fprintf(&b, "[Full log](%s)\n", r.LogURL)
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Notifier delivers failure reports.
type Notifier interface {
	Report(ctx context.Context, report FailureReport) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, report FailureReport) error

func (f NotifierFunc) Report(ctx context.Context, report FailureReport) error {
	return f(ctx, report)
}

// LogNotifier writes failure reports to the structured log. It is the
// default when no channel notifier is configured.
type LogNotifier struct {
	Logger *logging.Logger
}

func (n LogNotifier) Report(ctx context.Context, report FailureReport) error {
	n.Logger.Warn(ctx, "goal failure reported",
		zap.String("implementation", report.Implementation),
		zap.String("stage", string(report.Stage)),
		zap.String("error", report.ErrorText),
		zap.String("log_url", report.LogURL),
	)
	return nil
}

// ScrubbingNotifier redacts secrets from a report before passing it on.
type ScrubbingNotifier struct {
	Next     Notifier
	Scrubber *secrets.Scrubber
}

func (n ScrubbingNotifier) Report(ctx context.Context, report FailureReport) error {
	report.ErrorText = n.Scrubber.Scrub(report.ErrorText)
	if report.Interpretation != nil {
		interp := *report.Interpretation
		interp.Message = n.Scrubber.Scrub(interp.Message)
		interp.RelevantPart = n.Scrubber.Scrub(interp.RelevantPart)
		report.Interpretation = &interp
	}
	return n.Next.Report(ctx, report)
}

// MultiNotifier reports to every notifier and returns the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) Report(ctx context.Context, report FailureReport) error {
	var first error
	for _, n := range m {
		if err := n.Report(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
