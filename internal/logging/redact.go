package logging

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	redacted        = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs only the length of a configured secret.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

type redactor struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactor(cfg Redaction) (*redactor, error) {
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &redactor{keys: keys, patterns: patterns}, nil
}

func (r *redactor) wrap(core zapcore.Core) zapcore.Core {
	if len(r.keys) == 0 && len(r.patterns) == 0 {
		return core
	}
	return &redactCore{Core: core, r: r}
}

func (r *redactor) mask(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = r.maskField(f)
	}
	return out
}

func (r *redactor) maskField(f zapcore.Field) zapcore.Field {
	if _, ok := r.keys[strings.ToLower(f.Key)]; ok {
		if f.Type == zapcore.StringType && strings.HasPrefix(f.String, "[REDACTED") {
			return f
		}
		return zap.String(f.Key, redacted)
	}
	if f.Type == zapcore.StringType {
		for _, re := range r.patterns {
			if re.MatchString(f.String) {
				return zap.String(f.Key, redactedPattern)
			}
		}
	}
	return f
}

// redactCore masks fields before they reach the wrapped output, both on
// Write and on fields bound with With.
type redactCore struct {
	zapcore.Core
	r *redactor
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(c.r.mask(fields)), r: c.r}
}

func (c *redactCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, c.r.mask(fields))
}
