package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Logger provides leveled logging on top of a zap core whose encoder and
// output can be swapped at runtime.
type Logger struct {
	mu     sync.RWMutex
	level  zap.AtomicLevel
	output io.Writer
	format string
	core   zapcore.Core
}

var defaultLogger = newLogger()

func newLogger() *Logger {
	l := &Logger{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: os.Stdout,
		format: "text",
	}
	l.rebuild()
	return l
}

// rebuild must be called with mu held for writing (or during construction).
func (l *Logger) rebuild() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if l.format == "json" {
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encCfg.EncodeLevel = func(lvl zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + lvl.CapitalString() + "]")
		}
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l.core = zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(l.output)), l.level)
}

func (l *Logger) current() zapcore.Core {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.core
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func GetLevel() Level {
	switch defaultLogger.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.InfoLevel:
		return LevelInfo
	default:
		return LevelError
	}
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
	defaultLogger.rebuild()
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "json" {
		format = "text"
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.format = format
	defaultLogger.rebuild()
}

// L returns a structured logger bound to the package output. Components take
// it as their default and callers may inject their own instead.
func L() *zap.Logger {
	return zap.New(&switchCore{owner: defaultLogger})
}

// Named is shorthand for L().Named(name).
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, format, args...)
}

// Print always prints regardless of level (for progress bars, summaries)
func Print(format string, args ...interface{}) {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	fmt.Fprintf(defaultLogger.output, format, args...)
}

// Println always prints with newline regardless of level
func Println(args ...interface{}) {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	fmt.Fprintln(defaultLogger.output, args...)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	zl := level.zapLevel()
	if !l.level.Enabled(zl) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if strings.HasPrefix(msg, "\n") {
		// Preserve blank line formatting in text mode
		msg = strings.TrimLeft(msg, "\n")
		l.mu.RLock()
		if l.format == "text" {
			fmt.Fprint(l.output, "\n")
		}
		l.mu.RUnlock()
	}
	msg = strings.TrimRight(msg, "\n")

	core := l.current()
	if ce := core.Check(zapcore.Entry{Level: zl, Time: now(), Message: msg}, nil); ce != nil {
		ce.Write()
	}
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// IsInfo returns true if info level is enabled
func IsInfo() bool {
	return GetLevel() >= LevelInfo
}
