package logging

import (
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// buildCore assembles the output cores, each behind its own redaction,
// and samples the result.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	r, err := newRedactor(cfg.Redaction)
	if err != nil {
		return nil, err
	}

	var outputs []zapcore.Core
	if cfg.Stdout {
		outputs = append(outputs, r.wrap(zapcore.NewCore(encoder(cfg.Format), zapcore.AddSync(stdout), cfg.Level)))
	}
	if cfg.OTEL && provider != nil {
		outputs = append(outputs, r.wrap(otelzap.NewCore("goalkeeper", otelzap.WithLoggerProvider(provider))))
	}
	if len(outputs) == 0 {
		return nil, errors.New("no log output available")
	}
	return sample(zapcore.NewTee(outputs...), cfg.Sampling), nil
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sampledCore routes each level with a configured Rate through its own
// sampler and everything else straight to the wrapped core.
type sampledCore struct {
	zapcore.Core
	byLevel map[zapcore.Level]zapcore.Core
}

func sample(core zapcore.Core, s Sampling) zapcore.Core {
	if s.Tick <= 0 || len(s.Rates) == 0 {
		return core
	}
	sc := &sampledCore{Core: core, byLevel: map[zapcore.Level]zapcore.Core{}}
	for lvl, rate := range s.Rates {
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		sc.byLevel[lvl] = zapcore.NewSamplerWithOptions(core, s.Tick, rate.First, rate.Thereafter)
	}
	return sc
}

func (c *sampledCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s, ok := c.byLevel[e.Level]; ok {
		return s.Check(e, ce)
	}
	return c.Core.Check(e, ce)
}

func (c *sampledCore) With(fields []zapcore.Field) zapcore.Core {
	out := &sampledCore{Core: c.Core.With(fields), byLevel: make(map[zapcore.Level]zapcore.Core, len(c.byLevel))}
	for lvl, s := range c.byLevel {
		out.byLevel[lvl] = s.With(fields)
	}
	return out
}
