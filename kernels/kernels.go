// Package kernels implements the tuned primitives: self-contained
// operations that work directly on raw buffers and bypass the tracer
// entirely. They exist for callers (reached through the capi surface) that
// need a result immediately rather than as a new graph node.
package kernels

import (
	"encoding/binary"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/vjerr"
)

// Fill writes size copies of scalar (one element's worth of bytes) into
// dst.
func Fill(typ dtype.Type, dst []byte, size uint32, scalar []byte) error {
	width := int(typ.Size())
	if len(scalar) != width {
		return vjerr.Recoverable("kernels: fill scalar is %d bytes, want %d", len(scalar), width)
	}
	if len(dst) < int(size)*width {
		return vjerr.Recoverable("kernels: fill destination too small")
	}
	for i := 0; i < int(size); i++ {
		copy(dst[i*width:(i+1)*width], scalar)
	}
	return nil
}

// Memcpy is a synchronous bulk copy.
func Memcpy(dst, src []byte) {
	copy(dst, src)
}

// MemcpyAsync behaves like Memcpy but returns immediately-fired completion
// signal, matching the shape callers expect of an asynchronous transfer on
// back-ends where host memory never actually suspends the caller.
func MemcpyAsync(dst, src []byte) Event {
	copy(dst, src)
	return doneEvent{}
}

// Event is satisfied by whatever completion signal the caller's stream
// manager uses.
type Event interface{ Wait() }

type doneEvent struct{}

func (doneEvent) Wait() {}

func workerCount(n int) int {
	w := runtime.GOMAXPROCS(0)
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Reduce folds size elements of type typ starting at data using op,
// splitting the range across GOMAXPROCS workers and combining their
// partials.
func Reduce(typ dtype.Type, op dtype.ReductionOp, data []byte, size uint32) (float64, error) {
	width := int(typ.Size())
	if len(data) < int(size)*width {
		return 0, vjerr.Recoverable("kernels: reduce source too small")
	}
	if size == 0 {
		return identity(op), nil
	}

	workers := workerCount(int(size))
	chunk := (int(size) + workers - 1) / workers
	partials := make([]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lo := w * chunk
		hi := lo + chunk
		if hi > int(size) {
			hi = int(size)
		}
		if lo >= hi {
			partials[w] = identity(op)
			continue
		}
		g.Go(func() error {
			acc := decodeAt(data, lo, width, typ)
			for i := lo + 1; i < hi; i++ {
				acc = combine(op, acc, decodeAt(data, i, width, typ))
			}
			partials[w] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	acc := partials[0]
	for _, p := range partials[1:] {
		acc = combine(op, acc, p)
	}
	return acc, nil
}

func identity(op dtype.ReductionOp) float64 {
	switch op {
	case dtype.Mul:
		return 1
	case dtype.Min:
		return math.Inf(1)
	case dtype.Max:
		return math.Inf(-1)
	case dtype.And:
		return 1 // boolean identity: AND-ing with true is a no-op
	default:
		return 0
	}
}

func combine(op dtype.ReductionOp, a, b float64) float64 {
	switch op {
	case dtype.Add:
		return a + b
	case dtype.Mul:
		return a * b
	case dtype.Min:
		return math.Min(a, b)
	case dtype.Max:
		return math.Max(a, b)
	case dtype.And:
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	case dtype.Or:
		if a != 0 || b != 0 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func decodeAt(buf []byte, i, width int, typ dtype.Type) float64 {
	off := i * width
	switch typ {
	case dtype.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	case dtype.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	case dtype.Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[off:])))
	case dtype.UInt32:
		return float64(binary.LittleEndian.Uint32(buf[off:]))
	case dtype.Int64:
		return float64(int64(binary.LittleEndian.Uint64(buf[off:])))
	case dtype.UInt64:
		return float64(binary.LittleEndian.Uint64(buf[off:]))
	default:
		return float64(buf[off])
	}
}

// Scan computes an exclusive prefix sum over u32 values: out[0] == 0,
// out[i] == out[i-1] + in[i-1].
func Scan(in []uint32, out []uint32) error {
	if len(out) < len(in) {
		return vjerr.Recoverable("kernels: scan destination too small")
	}
	var acc uint32
	for i, v := range in {
		out[i] = acc
		acc += v
	}
	return nil
}

// All reports whether every byte in v is nonzero.
func All(v []byte) bool {
	for _, b := range v {
		if b == 0 {
			return false
		}
	}
	return true
}

// Any reports whether at least one byte in v is nonzero.
func Any(v []byte) bool {
	for _, b := range v {
		if b != 0 {
			return true
		}
	}
	return false
}

// MakePermutation performs a two-pass radix-style bucket partition: it
// writes perm, a permutation of [0,size) such that elements sharing a
// bucket are contiguous and buckets appear in ascending order, and
// offsets, one (bucket, start, length, pad) quadruple per non-empty
// bucket (pad is reserved so the entry packs into a 16-byte, SIMD-
// friendly record; this reference implementation always writes 0 there).
// It returns the number of non-empty buckets.
func MakePermutation(values []uint32, bucketCount uint32, perm []uint32, offsets *[][4]uint32) (uint32, error) {
	size := uint32(len(values))
	if uint32(len(perm)) < size {
		return 0, vjerr.Recoverable("kernels: make_permutation output too small")
	}
	for _, v := range values {
		if v >= bucketCount {
			return 0, vjerr.Recoverable("kernels: bucket value %d out of range [0,%d)", v, bucketCount)
		}
	}

	counts := make([]uint32, bucketCount)
	for _, v := range values {
		counts[v]++
	}
	starts := make([]uint32, bucketCount)
	var running uint32
	nonEmpty := uint32(0)
	for b, c := range counts {
		starts[b] = running
		running += c
		if c > 0 {
			nonEmpty++
		}
	}

	cursor := append([]uint32(nil), starts...)
	for i, v := range values {
		perm[cursor[v]] = uint32(i)
		cursor[v]++
	}

	*offsets = make([][4]uint32, 0, nonEmpty)
	for b := uint32(0); b < bucketCount; b++ {
		if counts[b] > 0 {
			*offsets = append(*offsets, [4]uint32{b, starts[b], counts[b], 0})
		}
	}
	return nonEmpty, nil
}
