// Package stream implements the per-(device,stream) execution queue: the
// ordered FIFO of traced variable ids waiting to be evaluated, the native
// synchronization primitives backing sync_stream/sync_device, and the
// thread-local "active stream" selector. It is grounded on the
// cgx/handle package's wrap/unwrap-by-key discipline, generalized from a
// flat id table to a (device,stream)-keyed one.
package stream

import (
	"sync"

	"github.com/vecjit/vecjit/internal/gls"
	"github.com/vecjit/vecjit/vjerr"
)

// Key identifies a stream: device -1 is the CPU/LLVM backend, 0..n-1 are
// GPUs.
type Key struct {
	Device int32
	Stream uint32
}

// Backend distinguishes the two execution back-ends a Stream can drive.
type Backend uint32

const (
	CPU Backend = iota
	CUDA
)

// Event is satisfied by whatever the active backend uses to signal kernel
// completion; the allocator only ever calls Wait.
type Event interface {
	Wait()
}

// doneEvent is immediately-ready: used by the CPU backend, which runs
// kernels synchronously on the calling goroutine.
type doneEvent struct{}

func (doneEvent) Wait() {}

// Stream is one execution queue. Operations enqueued on a Stream execute
// FIFO; different Streams run unordered with respect to each other except
// through an explicit Sync call.
type Stream struct {
	Key     Key
	Backend Backend

	mu   sync.Mutex
	todo []uint32 // variable ids queued for the next evaluate(), FIFO order preserved as a set

	lastEvent Event
}

// Manager owns every Stream that has been touched, plus the thread-local
// "currently active" selector every API entry point consults.
type Manager struct {
	mu      sync.Mutex
	streams map[Key]*Stream

	active gls.Local[Key]

	deviceCount int
}

// New returns a manager that will accept device indices in [-1, deviceCount).
func New(deviceCount int) *Manager {
	return &Manager{streams: make(map[Key]*Stream), deviceCount: deviceCount}
}

// DeviceSet looks up or lazily creates the Stream for (device, streamID)
// and makes it the active stream for the calling goroutine.
func (m *Manager) DeviceSet(device int32, streamID uint32) (*Stream, error) {
	if device < -1 || int(device) >= m.deviceCount {
		return nil, vjerr.Recoverable("stream: invalid device index %d", device)
	}
	k := Key{Device: device, Stream: streamID}
	m.mu.Lock()
	s, ok := m.streams[k]
	if !ok {
		backend := CUDA
		if device == -1 {
			backend = CPU
		}
		s = &Stream{Key: k, Backend: backend}
		m.streams[k] = s
	}
	m.mu.Unlock()
	m.active.Set(k)
	return s, nil
}

// Active returns the calling goroutine's active stream, failing if
// DeviceSet hasn't been called on this goroutine yet.
func (m *Manager) Active() (*Stream, error) {
	k, ok := m.active.Get()
	if !ok {
		return nil, vjerr.Recoverable("stream: no active stream set on this thread; call device_set first")
	}
	m.mu.Lock()
	s := m.streams[k]
	m.mu.Unlock()
	if s == nil {
		return nil, vjerr.Recoverable("stream: active stream was torn down")
	}
	return s, nil
}

// Streams returns every stream currently tracked, across all devices.
func (m *Manager) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// StreamsOnDevice returns every stream tracked for a given device.
func (m *Manager) StreamsOnDevice(device int32) []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Stream
	for k, s := range m.streams {
		if k.Device == device {
			out = append(out, s)
		}
	}
	return out
}

// Enqueue adds id to the stream's todo set if not already present.
func (s *Stream) Enqueue(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.todo {
		if existing == id {
			return
		}
	}
	s.todo = append(s.todo, id)
}

// Remove drops id from the todo set.
func (s *Stream) Remove(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.todo {
		if existing == id {
			s.todo = append(s.todo[:i], s.todo[i+1:]...)
			return
		}
	}
}

// Todo returns a snapshot of the queued ids, in FIFO order.
func (s *Stream) Todo() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.todo))
	copy(out, s.todo)
	return out
}

// RecordEvent stores the event signalling the most recently dispatched
// kernel on this stream; the allocator's release chain waits on it.
func (s *Stream) RecordEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = e
}

// Sync blocks until every kernel queued on this stream has completed, by
// waiting on the most recently recorded event (if any). On the CPU backend
// that event has already fired, so the wait returns at once.
func (s *Stream) Sync() {
	s.mu.Lock()
	e := s.lastEvent
	s.mu.Unlock()
	if e != nil {
		e.Wait()
	}
}

// DoneEvent returns the trivially-satisfied event used by the CPU backend.
func DoneEvent() Event { return doneEvent{} }
