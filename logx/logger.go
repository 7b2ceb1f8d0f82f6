// Package logx is a small leveled logger in the teacher's hand-rolled
// style, extended with structured key/value fields so the Stream Processor
// and Upsert Engine can emit the four named event kinds from spec §6
// (progress, batch-completed, failed-record, run-summary) as single,
// greppable lines.
package logx

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level.
type Level int

// Log levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return ""
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
// Unrecognized strings default to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F builds a Field; a short helper so call sites stay readable:
// logx.Default().Info("batch-completed", logx.F("table", name), logx.F("rows", n)).
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger provides leveled, structured logging.
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	prefix string
}

var defaultLogger = &Logger{
	level:  LevelInfo,
	output: os.Stderr,
	prefix: "fhirview",
}

// Default returns the default logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// New creates a new logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, output: w, prefix: "fhirview"}
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) log(level Level, event string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s [%s] %s", timestamp, l.prefix, level.String(), event)
	writeFields(&b, fields)
	b.WriteByte('\n')
	_, _ = l.output.Write([]byte(b.String()))
}

func writeFields(b *strings.Builder, fields []Field) {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for _, f := range sorted {
		fmt.Fprintf(b, " %s=%v", f.Key, f.Value)
	}
}

// Debug logs a debug-level event with structured fields.
func (l *Logger) Debug(event string, fields ...Field) { l.log(LevelDebug, event, fields) }

// Info logs an info-level event with structured fields.
func (l *Logger) Info(event string, fields ...Field) { l.log(LevelInfo, event, fields) }

// Warn logs a warn-level event with structured fields.
func (l *Logger) Warn(event string, fields ...Field) { l.log(LevelWarn, event, fields) }

// Error logs an error-level event with structured fields.
func (l *Logger) Error(event string, fields ...Field) { l.log(LevelError, event, fields) }

// Package-level convenience functions delegating to the default logger.

// Debug logs using the default logger.
func Debug(event string, fields ...Field) { defaultLogger.Debug(event, fields...) }

// Info logs using the default logger.
func Info(event string, fields ...Field) { defaultLogger.Info(event, fields...) }

// Warn logs using the default logger.
func Warn(event string, fields ...Field) { defaultLogger.Warn(event, fields...) }

// Error logs using the default logger.
func Error(event string, fields ...Field) { defaultLogger.Error(event, fields...) }

// SetLevel sets the level of the default logger.
func SetLevel(level Level) { defaultLogger.SetLevel(level) }

// SetOutput sets the output of the default logger.
func SetOutput(w io.Writer) { defaultLogger.SetOutput(w) }

// Disable silences the default logger.
func Disable() { defaultLogger.SetLevel(LevelNone) }
