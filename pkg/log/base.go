package log

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// levelVar is shared by a logger and every child derived with With so that
// SetLevel on any of them affects the whole tree.
type levelVar struct{ v atomic.Int32 }

func newLevelVar(l Level) *levelVar {
	lv := &levelVar{}
	lv.set(l)
	return lv
}

func (lv *levelVar) set(l Level) { lv.v.Store(int32(l)) }
func (lv *levelVar) get() Level  { return Level(lv.v.Load()) }

func (l *BaseLogger) clone(attrs []slog.Attr, extra Fields) *BaseLogger {
	nl := *l
	nl.fields = make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range extra {
		nl.fields[k] = v
	}
	if len(attrs) > 0 {
		nl.slogLogger = l.slogLogger.With(attrsToAny(attrs)...)
	}
	return &nl
}

func (l *BaseLogger) log(level Level, msg string, attrs []slog.Attr) {
	if level < l.level.get() {
		return
	}
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, attrsFromFieldSlice(fields))
}

func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	extra := make(Fields, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.clone(attrsFromFieldSlice(fields), extra)
}

func (l *BaseLogger) SetLevel(level Level) { l.level.set(level) }

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *BaseLogger) Slog() *slog.Logger { return l.slogLogger }
