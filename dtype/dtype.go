// Package dtype defines the scalar types that vecjit variables can hold,
// the memory flavors understood by the allocator, and the reduction
// operators implemented by the tuned kernels.
package dtype

import "fmt"

// Type is the scalar type of a traced variable.
type Type uint32

// The supported scalar types. Pointer variables hold a raw pointer-sized
// literal and are never broadcast beyond size 1 implicitly.
const (
	Invalid Type = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float16
	Float32
	Float64
	Bool
	Pointer
	count
)

var names = [count]string{
	Invalid: "invalid", Int8: "i8", UInt8: "u8", Int16: "i16", UInt16: "u16",
	Int32: "i32", UInt32: "u32", Int64: "i64", UInt64: "u64",
	Float16: "f16", Float32: "f32", Float64: "f64", Bool: "msk", Pointer: "ptr",
}

func (t Type) String() string {
	if t >= count {
		return fmt.Sprintf("dtype(%d)", uint32(t))
	}
	return names[t]
}

var byteSizes = [count]uint32{
	Invalid: 0, Int8: 1, UInt8: 1, Int16: 2, UInt16: 2,
	Int32: 4, UInt32: 4, Int64: 8, UInt64: 8,
	Float16: 2, Float32: 4, Float64: 8, Bool: 1, Pointer: 8,
}

// Size returns the size in bytes of a single element of this type.
func (t Type) Size() uint32 {
	if t >= count {
		return 0
	}
	return byteSizes[t]
}

// IsIntegral reports whether t is a signed or unsigned integer type.
func (t Type) IsIntegral() bool {
	return t >= Int8 && t <= UInt64
}

// IsFloatingPoint reports whether t is one of the floating-point types.
func (t Type) IsFloatingPoint() bool {
	return t >= Float16 && t <= Float64
}

// IsArithmetic reports whether t supports arithmetic operators.
func (t Type) IsArithmetic() bool {
	return t >= Int8 && t <= Float64
}

// IsMask reports whether t is the boolean/mask type.
func (t Type) IsMask() bool {
	return t == Bool
}

// AllocFlavor identifies the kind of memory backing an allocation.
type AllocFlavor uint32

const (
	// Host is ordinary, pageable CPU memory.
	Host AllocFlavor = iota
	// HostPinned is page-locked CPU memory reachable by DMA from a GPU.
	HostPinned
	// Device is memory local to a single GPU.
	Device
	// Managed is memory mapped into the address space of host and all GPUs.
	Managed
	// ManagedReadMostly is like Managed but optimized for read-dominated access.
	ManagedReadMostly
	flavorCount
)

func (f AllocFlavor) String() string {
	switch f {
	case Host:
		return "host"
	case HostPinned:
		return "host-pinned"
	case Device:
		return "device"
	case Managed:
		return "managed"
	case ManagedReadMostly:
		return "managed-read-mostly"
	default:
		return fmt.Sprintf("flavor(%d)", uint32(f))
	}
}

// IsDeviceFlavor reports whether the flavor's backing allocations are
// GPU-accessible and therefore released asynchronously through a release
// chain rather than synchronously.
func (f AllocFlavor) IsDeviceFlavor() bool {
	return f != Host
}

// ReductionOp enumerates the reductions kernels.Reduce supports.
type ReductionOp uint32

const (
	Add ReductionOp = iota
	Mul
	Min
	Max
	And
	Or
)

func (op ReductionOp) String() string {
	switch op {
	case Add:
		return "add"
	case Mul:
		return "mul"
	case Min:
		return "min"
	case Max:
		return "max"
	case And:
		return "and"
	case Or:
		return "or"
	default:
		return fmt.Sprintf("reduce(%d)", uint32(op))
	}
}
