// Package backend declares the narrow interfaces the scheduler uses to
// reach the concrete IR emitters, the compiled-kernel cache, and the
// driver for a given execution back-end. Concrete emitters (PTX assembly,
// LLVM IR text) and the vendor driver loaders stay out of this core;
// only the interfaces they must satisfy, and one in-tree CPU reference
// implementation (package cpuref) sufficient to make the scheduler and
// kernels testable, live here.
//
// The interface shapes are grounded on a split between a device/driver
// surface and a kernel/graph construction surface, generalized to a
// lower-level "one kernel per size partition" model.
package backend

import "github.com/vecjit/vecjit/dtype"

// Reg is a register name assigned to one variable's output within a
// kernel, substituted for $r{N} placeholders.
type Reg string

// Operand describes one argument the emitter substitutes into a $rN/$tN/
// $bN placeholder group.
type Operand struct {
	Reg  Reg
	Type dtype.Type
	// Imm, when non-nil, is a literal value (constant or pointer literal)
	// that should be baked into the kernel text instead of referencing a
	// register.
	Imm any
}

// Stmt is one placeholder-substituted statement ready for concatenation
// into a kernel body.
type Stmt struct {
	Out  Operand
	Ops  [3]Operand
	NOps int
	Text string // already-substituted text ($rN/$tN/$bN resolved)
}

// Emitter turns a topologically ordered list of statements for one size
// partition into kernel source text. A real implementation emits PTX or
// LLVM IR; cpuref emits the substituted statements one per line, and its
// Compiler interprets that text directly.
type Emitter interface {
	// Emit concatenates stmts (already in topological order) into one
	// kernel body, performing $rN/$tN/$bN substitution.
	Emit(stmts []Stmt) (kernelText string, err error)
}

// CompiledKernel is an opaque, cached, runnable artifact.
type CompiledKernel interface {
	// Launch runs the kernel against the given buffers (one per live
	// input/output register, keyed by Operand.Reg) on the stream
	// identified by streamKey, returning an event that fires once
	// execution completes.
	Launch(streamKey any, buffers map[Reg][]byte) (Event, error)
}

// Event is satisfied by whatever completion signal a back-end produces.
type Event interface {
	Wait()
}

// Compiler turns kernel text into a CompiledKernel, consulting/populating
// a cache keyed by (target, kernel text hash) so identical kernel bodies
// across evaluate() calls are only ever compiled once.
type Compiler interface {
	// Compile returns a cached kernel for (target, kernelText) if one
	// exists, or compiles and caches a new one.
	Compile(target string, kernelText string) (CompiledKernel, error)
}

// Driver abstracts the vendor GPU driver / LLVM library loader. Only the
// capability queries the scheduler and allocator need are exposed; actual
// driver loading is out of scope.
type Driver interface {
	// Available reports whether this driver's backend initialized
	// successfully.
	Available() bool
	// DeviceCount reports the number of usable devices (0 for the LLVM
	// driver, which only ever drives the single CPU "device").
	DeviceCount() int
	// SupportsManaged reports whether a given device index has unified/
	// managed-memory addressing. alloc.Prefetch does not consult it.
	SupportsManaged(device int) bool
}
