package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/dtype"
)

// S4: freeing a 1024-byte Device block and then requesting a 513-byte one
// rounds both to the same power-of-two bucket (1024) and reuses it,
// reported as a hit. The free list keys on exact rounded capacity, not
// "any block big enough" — a request that rounds to a smaller bucket than
// a larger free block holds must still miss.
func TestAllocateFreeReuseSameBucket(t *testing.T) {
	a := alloc.New(1)

	p, err := a.Allocate(dtype.Device, 0, 1024)
	require.NoError(t, err)
	_, misses0 := a.Stats()

	a.Free(p, "stream-0", nil)

	q, err := a.Allocate(dtype.Device, 0, 513)
	require.NoError(t, err)

	assert.Equal(t, p.Ptr, q.Ptr, "q should alias p's storage")
	hits, misses := a.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, misses0, misses, "no new miss on the reuse")
}

// A request that rounds to a smaller bucket than a just-freed block does
// not reuse it: the free list is keyed by exact rounded capacity.
func TestAllocateDoesNotReuseLargerBucket(t *testing.T) {
	a := alloc.New(1)

	p, err := a.Allocate(dtype.Device, 0, 1024)
	require.NoError(t, err)
	a.Free(p, "stream-0", nil)

	_, missesBefore := a.Stats()
	q, err := a.Allocate(dtype.Device, 0, 512)
	require.NoError(t, err)
	hits, missesAfter := a.Stats()

	assert.NotEqual(t, p.Ptr, q.Ptr)
	assert.Equal(t, 0, hits)
	assert.Equal(t, missesBefore+1, missesAfter)
}

func TestAllocateRejectsInvalidDevice(t *testing.T) {
	a := alloc.New(1)
	_, err := a.Allocate(dtype.Device, 5, 64)
	assert.Error(t, err)
	_, err = a.Allocate(dtype.Device, -1, 64)
	assert.Error(t, err)
}

func TestHostFreeIsSynchronous(t *testing.T) {
	a := alloc.New(0)
	p, err := a.Allocate(dtype.Host, -1, 128)
	require.NoError(t, err)

	a.Free(p, "any-stream", nil)

	q, err := a.Allocate(dtype.Host, -1, 100)
	require.NoError(t, err)
	assert.Equal(t, p.Ptr, q.Ptr)
}

// Property 9: trim() on an empty allocator is a no-op; malloc+free+trim
// leaves the allocator with nothing live and nothing to reuse.
func TestTrimEmptyAllocatorIsNoop(t *testing.T) {
	a := alloc.New(0)
	assert.NotPanics(t, func() { a.Trim() })
}

func TestMallocFreeTrimLeavesNothingLive(t *testing.T) {
	a := alloc.New(0)
	p, err := a.Allocate(dtype.Host, -1, 64)
	require.NoError(t, err)
	a.Free(p, "s", nil)
	a.Trim()

	leaked := a.Shutdown()
	assert.Empty(t, leaked)
}

func TestDeviceFreeDeferredUntilEventFires(t *testing.T) {
	a := alloc.New(1)
	p, err := a.Allocate(dtype.Device, 0, 256)
	require.NoError(t, err)

	ev := &fakeEvent{}
	a.Free(p, "stream-1", ev)

	// Not yet returned: a fresh allocation of the same bucket should miss.
	_, missesBefore := a.Stats()
	_, err = a.Allocate(dtype.Device, 0, 256)
	require.NoError(t, err)
	_, missesAfter := a.Stats()
	assert.Equal(t, missesBefore+1, missesAfter)

	a.DrainReleaseChain("stream-1")
	assert.True(t, ev.waited)
}

func TestMigrateSameFlavorSameDeviceIsNoop(t *testing.T) {
	a := alloc.New(1)
	p, err := a.Allocate(dtype.Device, 0, 64)
	require.NoError(t, err)

	q, err := a.Migrate(p, dtype.Device, 0, "s", nil)
	require.NoError(t, err)
	assert.Same(t, p, q)
}

func TestMigrateCopiesContent(t *testing.T) {
	a := alloc.New(1)
	p, err := a.Allocate(dtype.Host, -1, 4)
	require.NoError(t, err)
	copy(p.Bytes(), []byte{1, 2, 3, 4})

	q, err := a.Migrate(p, dtype.Device, 0, "s", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, q.Bytes())
}

func TestPrefetchOnlyValidForManaged(t *testing.T) {
	a := alloc.New(1)
	p, err := a.Allocate(dtype.Device, 0, 64)
	require.NoError(t, err)
	assert.Error(t, a.Prefetch(p, 0))

	m, err := a.Allocate(dtype.Managed, 0, 64)
	require.NoError(t, err)
	assert.NoError(t, a.Prefetch(m, -2))
}

func TestShutdownReportsLiveBlocksAsLeaked(t *testing.T) {
	a := alloc.New(0)
	_, err := a.Allocate(dtype.Host, -1, 32)
	require.NoError(t, err)

	leaked := a.Shutdown()
	assert.Len(t, leaked, 1)
}

func TestWrapExternalNeverJoinsFreeList(t *testing.T) {
	a := alloc.New(0)
	data := make([]byte, 16)
	blk := alloc.WrapExternal(data, dtype.Host, -1)

	a.Free(blk, "s", nil)
	leaked := a.Shutdown()
	assert.Empty(t, leaked, "an externally-wrapped block was never tracked as live")
}

type fakeEvent struct{ waited bool }

func (e *fakeEvent) Wait() { e.waited = true }
