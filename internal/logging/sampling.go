package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples Debug, Info and Warn independently. Trace and
// Error and above pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	tick := cfg.Tick.Duration()
	sampled := func(lvl zapcore.Level, s LevelSampling) zapcore.Core {
		return zapcore.NewSamplerWithOptions(levelCore(core, lvl, lvl), tick, s.Initial, s.Thereafter)
	}
	return zapcore.NewTee(
		levelCore(core, TraceLevel, TraceLevel),
		sampled(zapcore.DebugLevel, cfg.Debug),
		sampled(zapcore.InfoLevel, cfg.Info),
		sampled(zapcore.WarnLevel, cfg.Warn),
		levelCore(core, zapcore.ErrorLevel, zapcore.FatalLevel),
	)
}

// rangeCore only accepts entries with min <= level <= max.
type rangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func levelCore(core zapcore.Core, min, max zapcore.Level) zapcore.Core {
	return &rangeCore{Core: core, min: min, max: max}
}

func (c *rangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *rangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *rangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &rangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
