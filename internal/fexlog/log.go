// Package fexlog is the diagnostic channel used throughout fexcore-go.
//
// Per the error-handling policy, local recovery (decode failures, SMC
// invalidation, signal reconstruction) never prints anything; only
// configuration errors, sealing failures and resource exhaustion reach
// os.Stderr, and only at Warn/Error level. Debug/Info are for development
// builds and are gated by Level.
package fexlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is a logging verbosity threshold.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled diagnostic lines to an io.Writer, guarded by a
// mutex since the signal-handling path and ordinary mutator goroutines may
// both log concurrently.
type Logger struct {
	mu       sync.Mutex
	min      Level
	w        *os.File
	prefix   string
}

// Default is the process-wide diagnostic channel. Components derive their
// own *Logger from it with WithPrefix, and cmd/fexcore-loader logs through
// it the same way.
var Default = New("fexcore", Info)

// New creates a Logger writing to stderr at the given minimum level.
func New(prefix string, min Level) *Logger {
	return &Logger{min: min, w: os.Stderr, prefix: prefix}
}

// WithPrefix returns a Logger sharing the same minimum level and writer but
// tagging every line with component.
func (l *Logger) WithPrefix(component string) *Logger {
	return &Logger{min: l.min, w: l.w, prefix: l.prefix + "." + component}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format("15:04:05.000000")
	fmt.Fprintf(l.w, "%s [%s] %s: %s\n", ts, level, l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }
