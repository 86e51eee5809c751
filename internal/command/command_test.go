package command

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesAndStreams(t *testing.T) {
	var streamed bytes.Buffer
	result, err := Run(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo out; echo $GREETING"},
		Env:     map[string]string{"GREETING": "hello"},
		Stdout:  &streamed,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\nhello\n", result.Stdout)
	assert.Equal(t, result.Stdout, streamed.String())
}

func TestRun_NonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo broken >&2; exit 3"},
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "broken\n", result.Stderr)
	assert.Contains(t, err.Error(), "exited with code 3: broken")
}

func TestRun_MissingProgram(t *testing.T) {
	result, err := Run(context.Background(), Spec{Program: "/nonexistent/goalkeeper-hook"})
	require.Error(t, err)
	assert.Equal(t, -1, result.ExitCode)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", Tail("a\nb\n\nc\nd\n", 2))
	assert.Equal(t, "", Tail("", 3))
	assert.Equal(t, "only", Tail("only", 5))
}
