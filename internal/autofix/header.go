package autofix

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/gobwas/glob"
)

// AddLicenseHeader returns a transform prepending header to every file
// matching pattern that does not already start with it.
func AddLicenseHeader(header, pattern string) (Transform, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	prefix := []byte(header)
	if !bytes.HasSuffix(prefix, []byte("\n")) {
		prefix = append(prefix, '\n')
	}

	return func(ctx context.Context, p project.Project, inv *execution.Invocation) (*EditResult, error) {
		files, err := p.Files(ctx)
		if err != nil {
			return nil, err
		}
		var changed int
		for _, f := range files {
			if !g.Match(f) {
				continue
			}
			content, err := p.ReadFile(ctx, f)
			if err != nil {
				return nil, err
			}
			if bytes.HasPrefix(content, prefix) {
				continue
			}
			if err := p.WriteFile(ctx, f, append(append([]byte(nil), prefix...), content...)); err != nil {
				return nil, err
			}
			if inv != nil && inv.Progress != nil {
				inv.Progress.Write("Added header to %s\n", f)
			}
			changed++
		}
		if changed == 0 {
			return &EditResult{Edited: EditedFalse, Success: true}, nil
		}
		return &EditResult{
			Edited:  EditedTrue,
			Success: true,
			Message: fmt.Sprintf("added header to %d files", changed),
		}, nil
	}, nil
}
