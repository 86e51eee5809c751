// Package progresslog captures the output of a running goal and turns it
// into progress phases and failure summaries.
package progresslog

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Log receives the output of one goal execution.
type Log interface {
	Name() string
	Write(format string, args ...interface{})
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
	// URL links to the full log, if it is published anywhere.
	URL() string
	// Content returns what has been captured so far.
	Content() string
	IsAvailable(ctx context.Context) bool
}

// DefaultBufferSize bounds in-memory logs.
const DefaultBufferSize = 1 << 20

// Buffer keeps the most recent output in memory.
type Buffer struct {
	name string
	max  int

	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
}

// NewBuffer creates a buffer keeping at most maxBytes; zero means
// DefaultBufferSize.
func NewBuffer(name string, maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferSize
	}
	return &Buffer{name: name, max: maxBytes}
}

func (b *Buffer) Name() string { return b.name }

func (b *Buffer) Write(format string, args ...interface{}) {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	if b.buf.Len() > b.max {
		s := b.buf.String()
		s = s[len(s)-b.max:]
		if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
			s = s[i+1:]
		}
		b.buf.Reset()
		b.buf.WriteString(s)
		b.truncated = true
	}
}

func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether old output was dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func (b *Buffer) Flush(context.Context) error { return nil }
func (b *Buffer) Close(context.Context) error { return nil }
func (b *Buffer) URL() string { return "" }
func (b *Buffer) IsAvailable(context.Context) bool { return true }

// WriteToAll fans every write out to several logs.
type WriteToAll struct {
	logs []Log
}

func NewWriteToAll(logs ...Log) *WriteToAll {
	return &WriteToAll{logs: logs}
}

func (w *WriteToAll) Name() string {
	names := make([]string, 0, len(w.logs))
	for _, l := range w.logs {
		names = append(names, l.Name())
	}
	return strings.Join(names, " and ")
}

func (w *WriteToAll) Write(format string, args ...interface{}) {
	for _, l := range w.logs {
		l.Write(format, args...)
	}
}

func (w *WriteToAll) Flush(ctx context.Context) error {
	var err error
	for _, l := range w.logs {
		err = multierr.Append(err, l.Flush(ctx))
	}
	return err
}

func (w *WriteToAll) Close(ctx context.Context) error {
	var err error
	for _, l := range w.logs {
		err = multierr.Append(err, l.Close(ctx))
	}
	return err
}

// URL is the first URL any log publishes.
func (w *WriteToAll) URL() string {
	for _, l := range w.logs {
		if u := l.URL(); u != "" {
			return u
		}
	}
	return ""
}

func (w *WriteToAll) Content() string {
	for _, l := range w.logs {
		if c := l.Content(); c != "" {
			return c
		}
	}
	return ""
}

func (w *WriteToAll) IsAvailable(ctx context.Context) bool {
	for _, l := range w.logs {
		if l.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// Logging mirrors output lines to the structured logger at Trace level.
type Logging struct {
	ctx    context.Context
	logger *logging.Logger
}

// NewLogging mirrors to logger; ctx supplies the goal correlation fields.
func NewLogging(ctx context.Context, logger *logging.Logger) *Logging {
	return &Logging{ctx: ctx, logger: logger}
}

func (l *Logging) Name() string { return "logger" }

func (l *Logging) Write(format string, args ...interface{}) {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return
	}
	l.logger.Trace(l.ctx, "goal output", zap.String("line", line))
}

func (l *Logging) Flush(context.Context) error { return nil }
func (l *Logging) Close(context.Context) error { return nil }
func (l *Logging) URL() string { return "" }
func (l *Logging) Content() string { return "" }
func (l *Logging) IsAvailable(context.Context) bool { return true }

// Writer adapts a Log to io.Writer for streaming process output.
func Writer(log Log) io.Writer {
	return logWriter{log: log}
}

type logWriter struct {
	log Log
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Write("%s", string(p))
	return len(p), nil
}
