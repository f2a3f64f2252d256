// Package debuglog provides the leveled diagnostic logger used across the
// sanitizer engine.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level defines the amount of diagnostic output.
type Level int

const (
	// LevelOff disables all output.
	LevelOff Level = iota
	// LevelError only logs errors.
	LevelError
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs informational messages.
	LevelInfo
	// LevelVerbose logs detailed per-operation information.
	LevelVerbose
	// LevelTrace logs everything, including shadow-byte level detail.
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelVerbose:
		return "verbose"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// ParseLevel maps a configuration string to a Level.  Unknown strings map to
// LevelOff.
func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "info":
		return LevelInfo
	case "verbose":
		return LevelVerbose
	case "trace":
		return LevelTrace
	default:
		return LevelOff
	}
}

// Logger writes leveled, timestamped lines to a single sink.
type Logger struct {
	level atomic.Int32

	mu  sync.Mutex
	out io.Writer

	errorsLogged   atomic.Uint64
	warningsLogged atomic.Uint64
}

// New creates a Logger at the given level.  A nil out defaults to stderr.
func New(level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{out: out}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Enabled reports whether the given level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return level <= Level(l.level.Load())
}

func (l *Logger) emit(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	line := fmt.Sprintf("[devsan:%s] %s %s\n",
		level, time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line)
}

// Errorf logs at LevelError.
func (l *Logger) Errorf(format string, args ...any) {
	l.errorsLogged.Add(1)
	l.emit(LevelError, format, args...)
}

// Warnf logs at LevelWarn.
func (l *Logger) Warnf(format string, args ...any) {
	l.warningsLogged.Add(1)
	l.emit(LevelWarn, format, args...)
}

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, format, args...)
}

// Verbosef logs at LevelVerbose.
func (l *Logger) Verbosef(format string, args ...any) {
	l.emit(LevelVerbose, format, args...)
}

// Tracef logs at LevelTrace.
func (l *Logger) Tracef(format string, args ...any) {
	l.emit(LevelTrace, format, args...)
}

// ErrorCount returns the number of error lines emitted.
func (l *Logger) ErrorCount() uint64 { return l.errorsLogged.Load() }

// WarnCount returns the number of warning lines emitted.
func (l *Logger) WarnCount() uint64 { return l.warningsLogged.Load() }
