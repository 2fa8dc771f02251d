// Package vjerr implements a three-severity error model: fatal internal
// invariant violations, recoverable errors returned to the caller, and
// advisory warnings. Every package that returns caller-facing errors
// builds them here, funneling through github.com/pkg/errors for wrapping
// (backend/cpuref uses github.com/pkg/errors directly).
package vjerr

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	tlogerrors "tlog.app/go/errors"

	"github.com/vecjit/vecjit/logx"
)

// Recoverable wraps a caller-facing error for a fallible entry point
// (invalid argument, incompatible broadcast sizes, out-of-memory, double
// registration, invalid device id, ...).
func Recoverable(format string, args ...any) error {
	return errors.Errorf(format, args...)
}

// Wrap attaches a recoverable message to an existing error, preserving its
// cause for errors.Unwrap/errors.Is callers.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// fatalPanic is recovered by tests that want to assert a Fatal path without
// taking down the whole test binary; production wrappers should let it
// propagate and crash the process.
type fatalPanic struct{ err error }

// Fatal reports an unrecoverable internal invariant violation: an unknown
// variable id, a ref-count underflow, a CSE index leaked past shutdown, a
// failed temp directory, and similar conditions that must log at Error
// level and then terminate the process.
func Fatal(format string, args ...any) {
	// tlog's error type captures a stack trace at construction time, which
	// is worth paying for here since a Fatal is, by definition, a bug we
	// will want to locate after the process has already terminated.
	err := tlogerrors.New(fmt.Sprintf(format, args...))
	logx.Errorf("fatal: %v", err)
	panic(fatalPanic{err: err})
}

// Recover turns a panic raised by Fatal back into a plain error. It is
// intended for tests that assert on the fatal path; it re-panics on any
// other kind of panic so real bugs are not swallowed.
func Recover(p any) error {
	fp, ok := p.(fatalPanic)
	if !ok {
		panic(p)
	}
	return fp.err
}

// Warnf logs an advisory warning (leaked variables at shutdown, a device
// without unified addressing being skipped, ...) at Warn level.
func Warnf(format string, args ...any) {
	logx.Warnf(format, args...)
}

// Warnings accumulates advisory warnings raised while scanning several
// tables (e.g. shutdown walking the variable store, the registry, and the
// allocator), so a caller can assert on the aggregate leak
// report instead of having to scrape log output.
type Warnings struct {
	err error
}

// Addf appends one more warning to the aggregate.
func (w *Warnings) Addf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logx.Warnf("%s", msg)
	w.err = multierr.Append(w.err, errors.New(msg))
}

// Err returns the aggregate, or nil if nothing was added.
func (w *Warnings) Err() error {
	return w.err
}

// Len reports how many warnings were added.
func (w *Warnings) Len() int {
	return len(multierr.Errors(w.err))
}
