// Package capi is the flat, C-callable surface described by the external
// interface grouping: Lifecycle, Config, Sync, Logging, Allocator,
// Registry, Variables, Eval, and Primitives, implemented as package-level
// functions over exactly one process-wide *runtime.Runtime. It holds no
// logic of its own beyond argument plumbing and the coarse-grained lock
// discipline: every call here acquires the runtime's mutex for its
// duration except around the documented suspension points.
package capi

import (
	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/kernels"
	"github.com/vecjit/vecjit/logx"
	"github.com/vecjit/vecjit/runtime"
	"github.com/vecjit/vecjit/vars"
)

var rt = runtime.New()

// --- Lifecycle ---

// Init brings up the runtime with the given back-ends and device count.
func Init(llvm, cuda bool, deviceCount int) error { return rt.Init(llvm, cuda, deviceCount) }

// InitAsync is Init's non-blocking form.
func InitAsync(llvm, cuda bool, deviceCount int) (<-chan error, error) {
	return rt.InitAsync(llvm, cuda, deviceCount)
}

// HasLLVM reports whether the LLVM/CPU back-end is available.
func HasLLVM() bool { return rt.HasLLVM() }

// HasCUDA reports whether the CUDA back-end is available.
func HasCUDA() bool { return rt.HasCUDA() }

// Shutdown tears the runtime down; light preserves the variable store and
// registry for inspection instead of resetting them.
func Shutdown(light bool) error { return rt.Shutdown(light) }

// DeviceCount reports the number of addressable GPUs.
func DeviceCount() int { return rt.DeviceCount() }

// DeviceSet selects the active stream for the calling goroutine. Device -1
// denotes the CPU/LLVM back-end; 0..n-1 denote GPUs.
func DeviceSet(device int32, streamID uint32) error { return rt.DeviceSet(device, streamID) }

// --- Config ---

// LLVMSetTarget updates the CPU codegen knobs used by subsequent
// evaluations.
func LLVMSetTarget(cpu, features string, vectorWidth uint32) {
	rt.SetLLVMTarget(cpu, features, vectorWidth)
}

// LLVMIfAtLeast reports whether the configured target supports at least
// width lanes and the named feature.
func LLVMIfAtLeast(width uint32, feature string) bool { return rt.LLVMIfAtLeast(width, feature) }

// ParallelSetDispatch toggles concurrent dispatch of independent size
// partitions.
func ParallelSetDispatch(enable bool) { rt.SetParallelDispatch(enable) }

// ParallelDispatch reports the current setting.
func ParallelDispatch() bool { return rt.ParallelDispatch() }

// --- Sync ---

// SyncStream blocks until the active stream has drained.
func SyncStream() error { return rt.SyncStream() }

// SyncDevice blocks until every stream on the active device has drained.
func SyncDevice() error { return rt.SyncDevice() }

// --- Logging ---

// SetLogStderr sets the minimum level printed to stderr.
func SetLogStderr(level logx.Level) { logx.SetStderr(level) }

// SetLogCallback installs cb as the callback sink with the given minimum
// level.
func SetLogCallback(level logx.Level, cb logx.Callback) { logx.SetCallback(level, cb) }

// --- Allocator ---

// Malloc allocates size bytes of the given flavor on device (-1 for
// host-only flavors).
func Malloc(flavor dtype.AllocFlavor, device int32, size uint64) (*alloc.Block, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Alloc().Allocate(flavor, device, size)
}

// Free releases blk on the active stream. No event is attached, so the
// block rejoins the free list immediately whatever its flavor.
func Free(blk *alloc.Block) error {
	rt.Lock()
	defer rt.Unlock()
	st, err := rt.Streams().Active()
	if err != nil {
		return err
	}
	rt.Alloc().Free(blk, st.Key, nil)
	return nil
}

// MallocMigrate asynchronously migrates blk to a new flavor/device.
func MallocMigrate(blk *alloc.Block, target dtype.AllocFlavor, targetDevice int32) (*alloc.Block, error) {
	rt.Lock()
	defer rt.Unlock()
	st, err := rt.Streams().Active()
	if err != nil {
		return nil, err
	}
	return rt.Alloc().Migrate(blk, target, targetDevice, st.Key, nil)
}

// MallocTrim drains the free list.
func MallocTrim() {
	rt.Lock()
	defer rt.Unlock()
	rt.Alloc().Trim()
}

// MallocPrefetch prefetches blk to device (-2 means all GPUs).
func MallocPrefetch(blk *alloc.Block, device int32) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Alloc().Prefetch(blk, device)
}

// --- Registry ---

// RegistryPut registers ptr under domain, returning its compact id.
func RegistryPut(domain string, ptr uintptr) (uint32, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().Put(domain, ptr)
}

// RegistryRemove releases ptr's id back to its domain's free list.
func RegistryRemove(ptr uintptr) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().Remove(ptr)
}

// RegistryGetID returns ptr's compact id.
func RegistryGetID(ptr uintptr) (uint32, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().GetID(ptr)
}

// RegistryGetDomain returns the domain name ptr was registered under.
func RegistryGetDomain(ptr uintptr) (string, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().GetDomain(ptr)
}

// RegistryGetPtr returns the pointer registered under (domain, id).
func RegistryGetPtr(domain string, id uint32) (uintptr, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().GetPtr(domain, id)
}

// RegistryGetMax returns an upper bound on the largest id used in domain.
func RegistryGetMax(domain string) uint32 {
	rt.Lock()
	defer rt.Unlock()
	return rt.Registry().GetMax(domain)
}

// RegistryTrim truncates trailing empty slots from every domain.
func RegistryTrim() {
	rt.Lock()
	defer rt.Unlock()
	rt.Registry().Trim()
}

// --- Variables ---

// Map registers an already-materialized buffer as a variable.
func Map(typ dtype.Type, data []byte, owned bool) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Map(typ, data, owned)
}

// Copy allocates device memory and synchronously copies host into it.
func Copy(typ dtype.Type, host []byte, size uint32) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Copy(typ, host, size)
}

// CopyPtr registers a Pointer-typed literal, deduplicating via the
// pointer-literal index.
func CopyPtr(ptr uintptr) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().CopyPtr(ptr)
}

// TraceAppend0 records a nullary (literal constant) statement.
func TraceAppend0(typ dtype.Type, stmt string, stmtStatic bool, size uint32) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Append0(typ, stmt, stmtStatic, size)
}

// TraceAppend1 records a unary statement.
func TraceAppend1(typ dtype.Type, stmt string, stmtStatic bool, op1 vars.ID) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Append1(typ, stmt, stmtStatic, op1)
}

// TraceAppend2 records a binary statement.
func TraceAppend2(typ dtype.Type, stmt string, stmtStatic bool, op1, op2 vars.ID) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Append2(typ, stmt, stmtStatic, op1, op2)
}

// TraceAppend3 records a ternary statement.
func TraceAppend3(typ dtype.Type, stmt string, stmtStatic bool, op1, op2, op3 vars.ID) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Append3(typ, stmt, stmtStatic, op1, op2, op3)
}

// IncRefExt increments id's external reference count.
func IncRefExt(id vars.ID) {
	rt.Lock()
	defer rt.Unlock()
	rt.Vars().IncRefExt(id)
}

// DecRefExt decrements id's external reference count, freeing its backing
// block if this was the last reference. The freed block, if any, is
// returned.
func DecRefExt(id vars.ID) (*alloc.Block, error) {
	rt.Lock()
	defer rt.Unlock()
	blk, freed := rt.Vars().DecRefExt(id)
	if freed && blk != nil {
		rt.Alloc().Free(blk, nil, nil)
	}
	return blk, nil
}

// Ptr returns id's backing block, or nil if it is unevaluated.
func Ptr(id vars.ID) (*alloc.Block, error) {
	rt.Lock()
	defer rt.Unlock()
	v, err := rt.Vars().Lookup(id)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// Size returns id's element count.
func Size(id vars.ID) (uint32, error) {
	rt.Lock()
	defer rt.Unlock()
	v, err := rt.Vars().Lookup(id)
	if err != nil {
		return 0, err
	}
	return v.Size, nil
}

// SetSize implements set_size(id, size, copy).
func SetSize(id vars.ID, size uint32, copyOnResize bool) (vars.ID, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().SetSize(id, size, copyOnResize)
}

// SetLabel attaches a human-readable name to id.
func SetLabel(id vars.ID, label string) error {
	rt.Lock()
	defer rt.Unlock()
	v, err := rt.Vars().Lookup(id)
	if err != nil {
		return err
	}
	v.Label = label
	return nil
}

// Label returns id's human-readable name.
func Label(id vars.ID) (string, error) {
	rt.Lock()
	defer rt.Unlock()
	v, err := rt.Vars().Lookup(id)
	if err != nil {
		return "", err
	}
	return v.Label, nil
}

// Migrate asynchronously migrates id's backing block to a new flavor.
func Migrate(id vars.ID, target dtype.AllocFlavor, targetDevice int32) error {
	rt.Lock()
	defer rt.Unlock()
	v, err := rt.Vars().Lookup(id)
	if err != nil {
		return err
	}
	st, err := rt.Streams().Active()
	if err != nil {
		return err
	}
	nb, err := rt.Alloc().Migrate(v.Data, target, targetDevice, st.Key, nil)
	if err != nil {
		return err
	}
	v.Data = nb
	return nil
}

// MarkSideEffect flags id as a side-effecting node.
func MarkSideEffect(id vars.ID) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().MarkSideEffect(id)
}

// MarkDirty flags id as dirty.
func MarkDirty(id vars.ID) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().MarkDirty(id)
}

// SetExtraDep attaches dep as id's extra dependency.
func SetExtraDep(id, dep vars.ID) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().SetExtraDep(id, dep)
}

// IsAllFalse is a syntactic, non-evaluating check.
func IsAllFalse(id vars.ID) bool {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().IsAllFalse(id)
}

// IsAllTrue is IsAllFalse's dual.
func IsAllTrue(id vars.ID) bool {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().IsAllTrue(id)
}

// Whos formats a table of every live variable.
func Whos() string {
	rt.Lock()
	defer rt.Unlock()
	return rt.Vars().Whos()
}

// Str formats a single variable's state.
func Str(id vars.ID) (string, error) {
	rt.Lock()
	defer rt.Unlock()
	return rt.Vars().Str(id)
}

// Read forces a sync and transfers a single element from device to host.
func Read(id vars.ID, offset uint32, dst []byte) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Read(id, offset, dst)
}

// Write forces a sync and transfers a single element from host to device.
func Write(id vars.ID, offset uint32, src []byte) error {
	rt.Lock()
	defer rt.Unlock()
	return rt.Recorder().Write(id, offset, src)
}

// --- Eval ---

// Eval drains the active stream's todo set. rt.Eval locks internally, so
// this wrapper must not also hold the lock around the call.
func Eval() error {
	return rt.Eval()
}

// VarEval evaluates only what id's subgraph needs. rt.VarEval locks
// internally, so this wrapper must not also hold the lock around the call.
func VarEval(id vars.ID) error {
	return rt.VarEval(id)
}

// --- Primitives ---

// Fill writes size copies of scalar into dst.
func Fill(typ dtype.Type, dst []byte, size uint32, scalar []byte) error {
	return kernels.Fill(typ, dst, size, scalar)
}

// Memcpy is a synchronous bulk copy.
func Memcpy(dst, src []byte) { kernels.Memcpy(dst, src) }

// MemcpyAsync behaves like Memcpy but returns a completion signal.
func MemcpyAsync(dst, src []byte) kernels.Event { return kernels.MemcpyAsync(dst, src) }

// Reduce folds size elements of type typ using op.
func Reduce(typ dtype.Type, op dtype.ReductionOp, data []byte, size uint32) (float64, error) {
	return kernels.Reduce(typ, op, data, size)
}

// Scan computes an exclusive prefix sum over u32 values.
func Scan(in, out []uint32) error { return kernels.Scan(in, out) }

// All reports whether every byte in v is nonzero.
func All(v []byte) bool { return kernels.All(v) }

// Any reports whether at least one byte in v is nonzero.
func Any(v []byte) bool { return kernels.Any(v) }

// MakePermutation performs a two-pass radix-style bucket partition.
func MakePermutation(values []uint32, bucketCount uint32, perm []uint32, offsets *[][4]uint32) (uint32, error) {
	return kernels.MakePermutation(values, bucketCount, perm, offsets)
}
