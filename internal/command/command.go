// Package command runs external processes for hooks and command-backed
// goal implementations.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Spec describes one process invocation.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	// Env is appended to the current process environment.
	Env map[string]string

	// Stdout and Stderr additionally receive the streams as they are
	// produced. Both are always captured in the Result as well.
	Stdout io.Writer
	Stderr io.Writer
}

// Result holds the captured output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when the process ran but exited non-zero.
type ExitError struct {
	Program  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Program, e.ExitCode)
	if tail := Tail(e.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Run executes spec and waits for it. A non-zero exit returns the Result
// together with an *ExitError; a process that could not be started
// returns ExitCode -1.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(spec.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = writers(&stdout, spec.Stdout)
	cmd.Stderr = writers(&stderr, spec.Stderr)

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{Program: spec.Program, ExitCode: result.ExitCode, Stderr: result.Stderr}
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("command execution failed: %w", err)
	}
}

// Tail returns the last n non-empty lines of s.
func Tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			kept = append([]string{lines[i]}, kept...)
		}
	}
	return strings.Join(kept, "\n")
}

func writers(capture *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return capture
	}
	return io.MultiWriter(capture, extra)
}

// envList renders env in key order so runs are reproducible.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
