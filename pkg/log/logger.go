// Package log is relay's structured logger: leveled, Field-based events
// rendered through log/slog to text or JSON outputs.
package log

import (
	"log/slog"
	"time"
)

// Level orders entries by severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Fields is the flattened set of key/values attached to an entry.
type Fields map[string]interface{}

// ComponentKey tags entries with the package that emitted them.
const ComponentKey = "component"

// Entry is one rendered event handed to a Formatter.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
	Error     error
}

// Logger emits dotted event names ("tasks.status", "dispatch.flush") with
// structured fields. Children made with With share the parent's level.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	SetLevel(level Level)
}

type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

type Output interface {
	Write(entry *Entry, formattedEntry []byte) error
	Close() error
}

type LoggerOption func(*BaseLogger)

// BaseLogger is the Logger every relay component receives.
type BaseLogger struct {
	level      *levelVar
	fields     Fields
	formatter  Formatter
	outputs    []Output
	slogLogger *slog.Logger
}

// NewLogger defaults to JSON on stderr at info level.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     newLevelVar(InfoLevel),
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = []Output{&ConsoleOutput{}}
	}
	logger.slogLogger = slog.New(newBridgeHandler(logger))
	return logger
}

func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.set(level) }
}

func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output; it may be given more than once.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}
