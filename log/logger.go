package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"

	"github.com/kataras/golog"
)

// LogLevel orders diagnostic severities.
type LogLevel int

const (
	// LogLevelDebug enables detailed tracing output
	LogLevelDebug LogLevel = iota
	// LogLevelInfo enables routine progress messages
	LogLevelInfo
	// LogLevelWarn enables recoverable-problem messages
	LogLevelWarn
	// LogLevelError enables failure messages only
	LogLevelError
	// LogLevelNone disables all output
	LogLevelNone
)

var levelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
	LogLevelNone:  "NONE",
}

// String returns the level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", l)
}

// Logger is the interface the engine logs through. All methods take a
// printf-style format.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// WriterLogger is a Logger over the standard library's log package,
// useful when output must go to a specific writer.
type WriterLogger struct {
	logger *stdlog.Logger
	level  LogLevel
}

// NewWriterLogger creates a logger writing to out at the given level.
func NewWriterLogger(out io.Writer, level LogLevel) *WriterLogger {
	return &WriterLogger{
		logger: stdlog.New(out, "[taskweave] ", stdlog.LstdFlags),
		level:  level,
	}
}

func (l *WriterLogger) emit(level LogLevel, format string, v ...any) {
	if l.level <= level {
		l.logger.Printf("["+level.String()+"] "+format, v...)
	}
}

// Debug logs a debug message.
func (l *WriterLogger) Debug(format string, v ...any) { l.emit(LogLevelDebug, format, v...) }

// Info logs an informational message.
func (l *WriterLogger) Info(format string, v ...any) { l.emit(LogLevelInfo, format, v...) }

// Warn logs a warning.
func (l *WriterLogger) Warn(format string, v ...any) { l.emit(LogLevelWarn, format, v...) }

// Error logs an error message.
func (l *WriterLogger) Error(format string, v ...any) { l.emit(LogLevelError, format, v...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = newDefault()
)

func newDefault() Logger {
	g := golog.New()
	g.SetOutput(os.Stderr)
	l := NewGologLogger(g)
	l.SetLevel(LogLevelInfo)
	return l
}

// SetDefaultLogger replaces the package-level logger used by components
// that were not handed one explicitly.
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetDefaultLogger returns the package-level logger.
func GetDefaultLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetLogLevel installs a fresh default logger at the given level.
func SetLogLevel(level LogLevel) {
	g := golog.New()
	g.SetOutput(os.Stderr)
	l := NewGologLogger(g)
	l.SetLevel(level)
	SetDefaultLogger(l)
}

// Debug logs through the package-level logger.
func Debug(format string, v ...any) { GetDefaultLogger().Debug(format, v...) }

// Info logs through the package-level logger.
func Info(format string, v ...any) { GetDefaultLogger().Info(format, v...) }

// Warn logs through the package-level logger.
func Warn(format string, v ...any) { GetDefaultLogger().Warn(format, v...) }

// Error logs through the package-level logger.
func Error(format string, v ...any) { GetDefaultLogger().Error(format, v...) }
