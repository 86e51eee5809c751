package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Goal and hook output is logged here.
const TraceLevel = zapcore.Level(-2)

// Config controls how a Logger encodes, samples and redacts entries.
type Config struct {
	Level  zapcore.Level
	Format string // json or console

	// Stdout and OTEL select the outputs. OTEL is ignored when NewLogger
	// is given no provider.
	Stdout bool
	OTEL   bool

	// Fields are attached to every entry.
	Fields map[string]string

	Sampling  Sampling
	Redaction Redaction
}

// Sampling thins chatty levels per tick. A zero Tick disables sampling.
// Error and above always pass.
type Sampling struct {
	Tick  time.Duration
	Rates map[zapcore.Level]Rate
}

// Rate keeps the First entries with the same message in a tick, then
// every Thereafter-th one. Thereafter 0 drops the rest.
type Rate struct {
	First      int
	Thereafter int
}

// Redaction masks fields whose key is listed in Keys and string values
// matching any of Patterns.
type Redaction struct {
	Keys     []string
	Patterns []string
}

const maxPatternLen = 200

// NewDefaultConfig returns the configuration goald runs with.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Fields: map[string]string{"service": "goalkeeper"},
		Sampling: Sampling{
			Tick: time.Second,
			Rates: map[zapcore.Level]Rate{
				TraceLevel:         {First: 1},
				zapcore.DebugLevel: {First: 10},
				zapcore.InfoLevel:  {First: 100, Thereafter: 10},
			},
		},
		Redaction: Redaction{
			Keys: []string{
				"authorization", "github_token", "password", "postgres_dsn",
				"private_key", "secret", "token", "webhook_secret",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`gh[pousr]_[A-Za-z0-9]{20,}`,
				`(?i)x-access-token:[^@\s]+@`,
			},
		},
	}
}

// FromConfig applies the logging section of the application config to
// the defaults.
func FromConfig(cfg config.LoggingConfig) (*Config, error) {
	out := NewDefaultConfig()
	if cfg.Level != "" {
		lvl, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		out.Level = lvl
	}
	if cfg.Format != "" {
		out.Format = cfg.Format
	}
	return out, nil
}

// ParseLevel accepts the zap level names plus "trace".
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "trace" {
		return TraceLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	switch {
	case c.Format != "json" && c.Format != "console":
		return fmt.Errorf("log format must be json or console, got %q", c.Format)
	case !c.Stdout && !c.OTEL:
		return errors.New("no log output enabled")
	case c.Sampling.Tick < 0:
		return fmt.Errorf("negative sampling tick %s", c.Sampling.Tick)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("log field %q must have a non-empty key and value", k)
		}
	}
	_, err := compilePatterns(c.Redaction.Patterns)
	return err
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d characters", maxPatternLen)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
