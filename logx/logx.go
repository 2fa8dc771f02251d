// Package logx is the logging subsystem: five severities (Disable..Trace),
// an independently-leveled stderr sink, and an independently-leveled
// callback sink. It is grounded on tlog.app/go/tlog, the structured logger
// used throughout the slowlang-slow compiler package for exactly this kind
// of leveled, key/value tracing. tlog's own verbosity gate is topic-based
// rather than severity based, so rather than fight that mismatch this
// package does its own severity gating and uses tlog.Printw purely as the
// formatter/sink for the stderr destination, attaching the caller's
// location via tlog.app/go/loc the same way tlog's own helpers do.
package logx

import (
	"fmt"
	"sync"

	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

// Level is one of five severities, from silent to fully verbose.
type Level uint32

const (
	Disable Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Disable:
		return "disable"
	case Error:
		return "error"
	case Warn:
		return "warn"
	case Info:
		return "info"
	case Debug:
		return "debug"
	case Trace:
		return "trace"
	default:
		return "unknown"
	}
}

// Callback receives log lines that meet the callback sink's minimum level.
type Callback func(level Level, msg string)

var state struct {
	mu           sync.Mutex
	stderrLevel  Level
	cbLevel      Level
	cb           Callback
}

func init() {
	state.stderrLevel = Warn
	state.cbLevel = Disable
}

// SetStderr sets the minimum level that gets printed to stderr.
func SetStderr(level Level) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.stderrLevel = level
}

// Stderr returns the current minimum stderr level.
func Stderr() Level {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stderrLevel
}

// SetCallback installs cb as the callback sink with the given minimum
// level. Passing a nil callback disables the sink.
func SetCallback(level Level, cb Callback) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.cbLevel = level
	state.cb = cb
}

// CallbackLevel returns the current minimum callback level.
func CallbackLevel() Level {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.cbLevel
}

func emit(callerSkip int, level Level, msg string) {
	state.mu.Lock()
	stderrLevel, cbLevel, cb := state.stderrLevel, state.cbLevel, state.cb
	state.mu.Unlock()

	if stderrLevel != Disable && level <= stderrLevel {
		tlog.Printw(msg, "level", level.String(), "loc", loc.Caller(callerSkip))
	}
	if cb != nil && cbLevel != Disable && level <= cbLevel {
		cb(level, msg)
	}
}

// Log prints msg at the given level to every sink that accepts it.
func Log(level Level, format string, args ...any) {
	emit(2, level, fmt.Sprintf(format, args...))
}

// Errorf logs at Error level.
func Errorf(format string, args ...any) { emit(2, Error, fmt.Sprintf(format, args...)) }

// Warnf logs at Warn level.
func Warnf(format string, args ...any) { emit(2, Warn, fmt.Sprintf(format, args...)) }

// Infof logs at Info level.
func Infof(format string, args ...any) { emit(2, Info, fmt.Sprintf(format, args...)) }

// Debugf logs at Debug level.
func Debugf(format string, args ...any) { emit(2, Debug, fmt.Sprintf(format, args...)) }

// Tracef logs at Trace level.
func Tracef(format string, args ...any) { emit(2, Trace, fmt.Sprintf(format, args...)) }
