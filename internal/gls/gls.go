// Package gls emulates goroutine-local storage. The flat, C-style entry
// points this module exposes take no context parameter: the "active
// stream" is implicit, selected per-thread by the most recent device-set
// call on that thread. Go has no native TLS, so we key a map by the
// calling goroutine's id, parsed out of runtime.Stack().
//
// This is the same trick used by a handful of tracing/context libraries in
// the wild (e.g. jtolds/gls); it is fragile across goroutine hand-off,
// which is why the package only promises "current goroutine" semantics —
// handing work to a different goroutine requires an explicit device-set
// call on that goroutine first.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	fields := bytes.Fields(buf)
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	return id
}

// Local holds one value per goroutine.
type Local[T any] struct {
	mu sync.Mutex
	m  map[int64]T
}

// Get returns the value stored for the calling goroutine and whether one
// was set.
func (l *Local[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		var zero T
		return zero, false
	}
	v, ok := l.m[goroutineID()]
	return v, ok
}

// Set stores v for the calling goroutine.
func (l *Local[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[int64]T)
	}
	l.m[goroutineID()] = v
}

// Clear removes any value previously set for the calling goroutine.
func (l *Local[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		return
	}
	delete(l.m, goroutineID())
}
