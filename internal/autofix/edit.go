// Package autofix runs automatic, idempotent code transforms against a push
// as a goal. When any transform changes the code the fixes are committed and
// pushed, and the goal stops so the new push is evaluated from scratch.
package autofix

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
)

// Edited says whether a transform changed the project. Transforms that
// cannot tell report EditedUnknown and the engine inspects the working copy.
type Edited int

const (
	EditedUnknown Edited = iota
	EditedTrue
	EditedFalse
)

func (e Edited) String() string {
	switch e {
	case EditedTrue:
		return "true"
	case EditedFalse:
		return "false"
	}
	return "unknown"
}

// EditResult is the outcome of one transform.
type EditResult struct {
	Edited  Edited
	Success bool
	Message string
}

// Combine merges two results. The combination is edited if either is,
// unedited only if both are, and successful only if both are.
func Combine(a, b EditResult) EditResult {
	out := EditResult{Success: a.Success && b.Success}
	switch {
	case a.Edited == EditedTrue || b.Edited == EditedTrue:
		out.Edited = EditedTrue
	case a.Edited == EditedFalse && b.Edited == EditedFalse:
		out.Edited = EditedFalse
	default:
		out.Edited = EditedUnknown
	}
	out.Message = b.Message
	if out.Message == "" {
		out.Message = a.Message
	}
	return out
}

// Transform changes a project in place.
type Transform func(ctx context.Context, p project.Project, inv *execution.Invocation) (*EditResult, error)

// Slug is the machine readable form of an autofix name.
func Slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// CommitMessage is the message of the commit an autofix makes. The marker
// line lets later pushes recognize the fix was already applied.
func CommitMessage(name string) string {
	return "Autofix: " + name + "\n\n[generated] " + marker(name)
}

func marker(name string) string {
	return "[autofix=" + Slug(name) + "]"
}
