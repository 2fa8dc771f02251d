// Package alloc implements vecjit's custom memory allocator: power-of-two
// bucketed pools across five memory flavors, synchronous release for host
// memory, and deferred release tied to stream events for GPU-accessible
// flavors. It is grounded on cgx/handle.go's style of owning a single
// mutex-protected table of live resources, adapted here to own raw byte
// slices instead of Go values.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/vjerr"
)

// Block is a single allocation known to the allocator.
type Block struct {
	Ptr    uintptr
	Flavor dtype.AllocFlavor
	Device int32
	Size   uint64 // requested size in bytes
	cap    uint64 // rounded-up capacity, also the free-list bucket key
	mem    []byte // backing storage; simulates device/host memory uniformly
}

// key identifies a free-list bucket: flavor, rounded capacity, and the
// device index recorded on the block.
type key struct {
	flavor dtype.AllocFlavor
	device int32
	cap    uint64
}

// Event is an opaque handle to an asynchronous completion signal recorded
// on a stream. The scheduler hands these to Free; a real CUDA/
// LLVM backend would wire this to a native event/fence.
type Event interface {
	// Wait blocks until the event has fired.
	Wait()
}

// releaseEntry is one pending free still waiting on an event.
type releaseEntry struct {
	blk   *Block
	event Event
}

// Allocator owns every live and free allocation across all flavors and
// devices. The whole table is protected by a single mutex; callers above
// this package never need finer-grained locking.
type Allocator struct {
	mu sync.Mutex

	freeList map[key][]*Block
	live     map[uintptr]*Block

	// releaseChains holds, per stream key (opaque to this package), the
	// list of blocks awaiting a fired event before they rejoin freeList.
	releaseChains map[any][]releaseEntry

	deviceCount  int
	nextPtr      uintptr
	hits, misses int
}

// New returns an empty allocator tracking deviceCount GPUs (0..deviceCount-1
// are valid device indices; -1 always denotes the host).
func New(deviceCount int) *Allocator {
	return &Allocator{
		freeList:      make(map[key][]*Block),
		live:          make(map[uintptr]*Block),
		releaseChains: make(map[any][]releaseEntry),
		deviceCount:   deviceCount,
		nextPtr:       1,
	}
}

func roundPow2(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	if size&(size-1) == 0 {
		return size
	}
	return 1 << bits.Len64(size)
}

// Allocate returns a new block of at least size bytes of the given flavor.
// device is only validated for the Device flavor; for every flavor it is
// recorded on the block and is part of the free-list bucket key, so a
// freed block is only reused by a request with the same device index.
func (a *Allocator) Allocate(flavor dtype.AllocFlavor, device int32, size uint64) (*Block, error) {
	if flavor == dtype.Device && (device < 0 || int(device) >= a.deviceCount) {
		return nil, vjerr.Recoverable("alloc: invalid device index %d for Device allocation", device)
	}
	cp := roundPow2(size)
	k := key{flavor: flavor, device: device, cap: cp}

	a.mu.Lock()
	defer a.mu.Unlock()

	if bucket := a.freeList[k]; len(bucket) > 0 {
		blk := bucket[len(bucket)-1]
		a.freeList[k] = bucket[:len(bucket)-1]
		blk.Size = size
		a.live[blk.Ptr] = blk
		a.hits++
		return blk, nil
	}

	mem := make([]byte, cp)
	ptr := a.nextPtr
	a.nextPtr++
	blk := &Block{Ptr: ptr, Flavor: flavor, Device: device, Size: size, cap: cp, mem: mem}
	a.live[ptr] = blk
	a.misses++
	return blk, nil
}

// Free releases blk. Host memory, and any flavor freed with a nil event,
// returns to the free list immediately; GPU-accessible flavors freed with
// an event are appended to the release chain identified by streamKey and
// only returned once that event has fired. Blocks built by WrapExternal
// are simply dropped.
func (a *Allocator) Free(blk *Block, streamKey any, event Event) {
	if blk == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if blk.Ptr == 0 {
		return // external buffer (WrapExternal): never tracked, never pooled
	}
	delete(a.live, blk.Ptr)

	if !blk.Flavor.IsDeviceFlavor() || event == nil {
		a.returnToFreeListLocked(blk)
		return
	}
	a.releaseChains[streamKey] = append(a.releaseChains[streamKey], releaseEntry{blk: blk, event: event})
}

func (a *Allocator) returnToFreeListLocked(blk *Block) {
	k := key{flavor: blk.Flavor, device: blk.Device, cap: blk.cap}
	a.freeList[k] = append(a.freeList[k], blk)
}

// DrainReleaseChain is called by the scheduler's stream/device sync; it
// waits on each event queued on streamKey's release chain, and every block
// queued behind those events rejoins the free list.
func (a *Allocator) DrainReleaseChain(streamKey any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	chain := a.releaseChains[streamKey]
	if len(chain) == 0 {
		return
	}
	delete(a.releaseChains, streamKey)
	for _, e := range chain {
		e.event.Wait()
		a.returnToFreeListLocked(e.blk)
	}
}

// Migrate asynchronously changes blk's flavor, returning the (possibly new)
// block. When src==dst and, for Device, the block already lives on the
// requested device, blk is returned unchanged. A peer-to-peer copy is
// simulated for Device-to-different-Device migrations. The old block is
// always released via Free once the copy has been scheduled.
func (a *Allocator) Migrate(blk *Block, target dtype.AllocFlavor, targetDevice int32, streamKey any, event Event) (*Block, error) {
	if blk == nil {
		return nil, nil
	}
	if blk.Flavor == target && (target != dtype.Device || blk.Device == targetDevice) {
		return blk, nil
	}
	nb, err := a.Allocate(target, targetDevice, blk.Size)
	if err != nil {
		return nil, err
	}
	copy(nb.mem, blk.mem)
	a.Free(blk, streamKey, event)
	return nb, nil
}

// Prefetch is meaningful only for Managed/ManagedReadMostly allocations;
// device==-2 means "all GPUs". This reference allocator has no real page
// tables to migrate, so it only validates the flavor and the device index;
// nothing about the prefetch is recorded.
func (a *Allocator) Prefetch(blk *Block, device int32) error {
	if blk == nil {
		return nil
	}
	if blk.Flavor != dtype.Managed && blk.Flavor != dtype.ManagedReadMostly {
		return vjerr.Recoverable("alloc: prefetch only valid for Managed/ManagedReadMostly, got %s", blk.Flavor)
	}
	if device < -2 || int(device) >= a.deviceCount {
		return vjerr.Recoverable("alloc: invalid prefetch device %d", device)
	}
	return nil
}

// Trim drains the free list, releasing every cached block back to "the
// OS/driver" (in this reference allocator, simply dropping them).
func (a *Allocator) Trim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList = make(map[key][]*Block)
}

// Shutdown drains the free list and all release chains and drops tracking
// state. Any block still in `live` at this point is a leak.
func (a *Allocator) Shutdown() []*Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	leaked := maps.Values(a.live)
	a.freeList = make(map[key][]*Block)
	a.live = make(map[uintptr]*Block)
	a.releaseChains = make(map[any][]releaseEntry)
	return leaked
}

// Stats reports free-list hit/miss counts, useful for tests asserting
// buffer-reuse behavior across successive allocate/free cycles.
func (a *Allocator) Stats() (hits, misses int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits, a.misses
}

// Bytes exposes a block's backing storage for the tuned primitives and the
// reference CPU backend. It is not part of the C-style surface.
func (blk *Block) Bytes() []byte {
	return blk.mem[:blk.Size]
}

// WrapExternal builds a Block around an already-materialized buffer the
// caller supplies directly (map's use case), bypassing the free-list
// bookkeeping entirely: it is never returned by Allocate and never rejoins
// a free-list bucket when freed.
func WrapExternal(data []byte, flavor dtype.AllocFlavor, device int32) *Block {
	return &Block{Flavor: flavor, Device: device, Size: uint64(len(data)), cap: uint64(len(data)), mem: data}
}

func (blk *Block) String() string {
	return fmt.Sprintf("%s@%d[%d]", blk.Flavor, blk.Device, blk.Size)
}
