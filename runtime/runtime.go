// Package runtime bundles every singleton table vecjit needs — the
// variable store, registry, allocator, stream manager, scheduler, and
// trace recorder — behind a single coarse-grained mutex, together with
// explicit Init/Shutdown lifecycle management and the handful of
// process-wide configuration knobs (LLVM target, parallel dispatch).
// Package capi is a thin flat-function wrapper over exactly one Runtime
// value.
package runtime

import (
	"sync"

	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/backend"
	"github.com/vecjit/vecjit/backend/cpuref"
	"github.com/vecjit/vecjit/eval"
	"github.com/vecjit/vecjit/logx"
	"github.com/vecjit/vecjit/registry"
	"github.com/vecjit/vecjit/stream"
	"github.com/vecjit/vecjit/trace"
	"github.com/vecjit/vecjit/vars"
	"github.com/vecjit/vecjit/vjerr"
)

// LLVMTarget holds the CPU codegen knobs for the LLVM back-end.
type LLVMTarget struct {
	CPU         string
	Features    string
	VectorWidth uint32
}

// Config is the process-wide configuration read at Init and mutated by the
// handful of exported setters.
type Config struct {
	EnableLLVM       bool
	EnableCUDA       bool
	ParallelDispatch bool
	LLVMTarget       LLVMTarget
}

// Runtime is the single value every flat API entry point operates on.
type Runtime struct {
	mu sync.Mutex

	cfg         Config
	initialized bool

	vars      *vars.Store
	registry  *registry.Registry
	alloc     *alloc.Allocator
	streams   *stream.Manager
	recorder  *trace.Recorder
	scheduler *eval.Scheduler

	llvmDriver backend.Driver
	cudaDriver backend.Driver
}

// New constructs an uninitialized Runtime; callers must call Init before
// using it.
func New() *Runtime {
	return &Runtime{}
}

// Init brings up the process-wide singletons. llvm/cuda select which
// back-end drivers to probe; at least one should normally be requested.
// deviceCount is the number of GPUs to make addressable (0 if cuda is
// false).
func (rt *Runtime) Init(llvm, cuda bool, deviceCount int) error {
	return rt.init(llvm, cuda, deviceCount)
}

// InitAsync is Init's non-blocking counterpart. This reference runtime has
// no driver probing slow enough to warrant a real async path, so it simply
// runs Init synchronously and returns a channel that is already closed;
// callers that select on it observe no blocking.
func (rt *Runtime) InitAsync(llvm, cuda bool, deviceCount int) (<-chan error, error) {
	ch := make(chan error, 1)
	err := rt.init(llvm, cuda, deviceCount)
	ch <- err
	close(ch)
	return ch, err
}

func (rt *Runtime) init(llvm, cuda bool, deviceCount int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.initialized {
		return vjerr.Recoverable("runtime: already initialized")
	}

	rt.cfg = Config{EnableLLVM: llvm, EnableCUDA: cuda}
	rt.vars = vars.New()
	rt.registry = registry.New()
	rt.alloc = alloc.New(deviceCount)
	rt.streams = stream.New(deviceCount)

	rt.llvmDriver = cpuref.Driver{}
	if cuda {
		// No real CUDA driver ships with this reference runtime; a host
		// embedding CUDA support provides its own backend.Driver and
		// should construct the scheduler/compiler pair directly rather
		// than going through this convenience constructor.
		rt.cudaDriver = unavailableDriver{deviceCount: deviceCount}
	}

	emitter := cpuref.Emitter{}
	compiler := cpuref.NewCompiler()
	rt.scheduler = eval.New(rt.vars, rt.streams, rt.alloc, emitter, compiler, "cpu", false)
	rt.recorder = trace.New(rt.vars, rt.streams, rt.alloc, rt.scheduler)
	rt.initialized = true
	return nil
}

type unavailableDriver struct{ deviceCount int }

func (d unavailableDriver) Available() bool        { return false }
func (d unavailableDriver) DeviceCount() int       { return d.deviceCount }
func (unavailableDriver) SupportsManaged(int) bool { return false }

// HasLLVM reports whether the LLVM/CPU back-end is available.
func (rt *Runtime) HasLLVM() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.llvmDriver != nil && rt.llvmDriver.Available()
}

// HasCUDA reports whether the CUDA back-end is available.
func (rt *Runtime) HasCUDA() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cudaDriver != nil && rt.cudaDriver.Available()
}

// DeviceCount reports the number of addressable GPUs (0 if CUDA isn't
// enabled).
func (rt *Runtime) DeviceCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cudaDriver == nil {
		return 0
	}
	return rt.cudaDriver.DeviceCount()
}

// DeviceSet selects the active stream for the calling goroutine.
func (rt *Runtime) DeviceSet(device int32, streamID uint32) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, err := rt.streams.DeviceSet(device, streamID)
	return err
}

// SetLLVMTarget updates the CPU codegen knobs used by subsequent
// evaluations.
func (rt *Runtime) SetLLVMTarget(cpu, features string, vectorWidth uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.cfg.LLVMTarget = LLVMTarget{CPU: cpu, Features: features, VectorWidth: vectorWidth}
}

// LLVMIfAtLeast reports whether the configured target's vector width meets
// width and the comma-separated feature string has an entry exactly equal
// to feature (an empty feature always matches).
func (rt *Runtime) LLVMIfAtLeast(width uint32, feature string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cfg.LLVMTarget.VectorWidth < width {
		return false
	}
	return feature == "" || containsFeature(rt.cfg.LLVMTarget.Features, feature)
}

func containsFeature(features, want string) bool {
	for _, f := range splitComma(features) {
		if f == want {
			return true
		}
	}
	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// SetParallelDispatch toggles concurrent dispatch of independent size
// partitions across synthetic streams.
func (rt *Runtime) SetParallelDispatch(enable bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.cfg.ParallelDispatch = enable
	rt.scheduler.SetParallel(enable)
}

// ParallelDispatch reports the current setting.
func (rt *Runtime) ParallelDispatch() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg.ParallelDispatch
}

// SyncStream blocks until the active stream has drained. The mutex is
// released around the actual wait since a background completion callback
// may need to re-acquire it to update reference counts.
func (rt *Runtime) SyncStream() error {
	rt.mu.Lock()
	sched := rt.scheduler
	rt.mu.Unlock()
	return sched.SyncStream()
}

// SyncDevice blocks until every stream on the active device has drained.
func (rt *Runtime) SyncDevice() error {
	rt.mu.Lock()
	sched := rt.scheduler
	rt.mu.Unlock()
	return sched.SyncDevice()
}

// Eval drains the active stream's todo set.
func (rt *Runtime) Eval() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.scheduler.Evaluate()
}

// VarEval evaluates only what id's subgraph needs.
func (rt *Runtime) VarEval(id vars.ID) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.scheduler.VarEval(id)
}

// Vars exposes the variable store for read-mostly introspection
// (whos/str/size/label) that doesn't belong on Runtime itself.
func (rt *Runtime) Vars() *vars.Store { return rt.vars }

// Registry exposes the pointer registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Alloc exposes the allocator.
func (rt *Runtime) Alloc() *alloc.Allocator { return rt.alloc }

// Streams exposes the stream manager.
func (rt *Runtime) Streams() *stream.Manager { return rt.streams }

// Recorder exposes the trace recorder.
func (rt *Runtime) Recorder() *trace.Recorder { return rt.recorder }

// Lock/Unlock expose the coarse-grained mutex to capi, which needs to hold
// it across compound operations (e.g. trace_append_2 touches the store,
// the allocator, and the active stream as one atomic step) without every
// package reaching back into Runtime.
func (rt *Runtime) Lock()   { rt.mu.Lock() }
func (rt *Runtime) Unlock() { rt.mu.Unlock() }

// Shutdown tears down every singleton, logging a warning for every
// variable, registered pointer, and live allocation still outstanding.
// When light is true the variable store and registry are left populated
// for inspection instead of being replaced; the allocator's tables are
// dropped either way. No further API calls are valid until Init runs
// again.
func (rt *Runtime) Shutdown(light bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.initialized {
		return vjerr.Recoverable("runtime: shutdown called before init")
	}

	var warn vjerr.Warnings
	for _, id := range rt.vars.Snapshot() {
		warn.Addf("leaked variable %d at shutdown", id)
	}
	for _, ptr := range rt.registry.Pointers() {
		warn.Addf("leaked registry pointer %#x at shutdown", ptr)
	}
	for _, blk := range rt.alloc.Shutdown() {
		warn.Addf("leaked allocation %s at shutdown", blk)
	}

	if !light {
		rt.vars = vars.New()
		rt.registry = registry.New()
	}
	rt.initialized = false
	logx.Infof("runtime: shutdown complete (light=%v, %d warnings)", light, warn.Len())
	return warn.Err()
}
