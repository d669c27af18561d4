package logging

import (
	"time"

	"go.uber.org/zap/zapcore"
)

var now = time.Now

// switchCore forwards to whatever core the package logger currently holds, so
// loggers handed out before SetOutput/SetFormat follow the change.
type switchCore struct {
	owner  *Logger
	fields []zapcore.Field
}

func (c *switchCore) Enabled(lvl zapcore.Level) bool {
	return c.owner.level.Enabled(lvl)
}

func (c *switchCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &switchCore{owner: c.owner, fields: merged}
}

func (c *switchCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *switchCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	core := c.owner.current()
	if len(c.fields) > 0 {
		core = core.With(c.fields)
	}
	return core.Write(ent, fields)
}

func (c *switchCore) Sync() error {
	return c.owner.current().Sync()
}
