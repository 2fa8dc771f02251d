// Package cpuref is a simple, and not very fast, but always-available
// reference back-end: a pure-Go interpreter for the small statement
// language the recorder produces, standing in for a real PTX/LLVM
// pipeline so the scheduler and kernels packages can be exercised without
// a GPU or an LLVM toolchain. It only understands a handful of
// elementwise mnemonics (mov, add, sub, mul, div, min, max, fma, neg); it
// is not meant to be fast or complete.
package cpuref

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/vecjit/vecjit/backend"
)

// Driver reports the CPU/LLVM-style back-end as always available, with a
// single logical device (device index -1 in the stream manager's scheme,
// so DeviceCount is 0: no discrete accelerators to enumerate).
type Driver struct{}

func (Driver) Available() bool          { return true }
func (Driver) DeviceCount() int         { return 0 }
func (Driver) SupportsManaged(int) bool { return false }

// Emitter concatenates statements one per line, substituting $rN/$tN/$bN
// placeholders via backend.Substitute. The resulting text is both the
// cache key a Compiler uses and, for this back-end, the program itself.
type Emitter struct{}

func (Emitter) Emit(stmts []backend.Stmt) (string, error) {
	var b strings.Builder
	for i, st := range stmts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(backend.Substitute(st.Text, st.Out, st.Ops))
	}
	return b.String(), nil
}

// program is a parsed kernel body: one instruction per line.
type program struct {
	instrs []instr
}

type instr struct {
	op   string
	typ  string
	out  string
	ins  []string
}

func parseProgram(kernelText string) (*program, error) {
	p := &program{}
	for _, line := range strings.Split(kernelText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		head, rest, ok := strings.Cut(line, " ")
		if !ok {
			return nil, errors.Errorf("cpuref: malformed instruction %q", line)
		}
		op, typ, _ := strings.Cut(head, ".")
		regs := strings.Split(rest, ",")
		for i := range regs {
			regs[i] = strings.TrimSpace(regs[i])
		}
		if len(regs) < 1 {
			return nil, errors.Errorf("cpuref: instruction %q has no output register", line)
		}
		p.instrs = append(p.instrs, instr{op: op, typ: typ, out: regs[0], ins: regs[1:]})
	}
	return p, nil
}

// Compiler compiles kernel text into a cpuKernel, caching by (target, text).
type Compiler struct {
	mu    sync.Mutex
	cache map[string]backend.CompiledKernel
}

func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]backend.CompiledKernel)}
}

func (c *Compiler) Compile(target, kernelText string) (backend.CompiledKernel, error) {
	key := target + "\x00" + kernelText
	c.mu.Lock()
	if k, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return k, nil
	}
	c.mu.Unlock()

	prog, err := parseProgram(kernelText)
	if err != nil {
		return nil, err
	}
	k := &kernel{prog: prog}

	c.mu.Lock()
	c.cache[key] = k
	c.mu.Unlock()
	return k, nil
}

// kernel interprets its program directly against raw byte buffers on
// Launch, running synchronously on the calling goroutine.
type kernel struct {
	prog *program
}

func (k *kernel) Launch(_ any, buffers map[backend.Reg][]byte) (backend.Event, error) {
	for _, st := range k.prog.instrs {
		if err := execElementwise(st, buffers); err != nil {
			return nil, err
		}
	}
	return doneEvent{}, nil
}

type doneEvent struct{}

func (doneEvent) Wait() {}

// execElementwise runs one instruction across every lane of its widest
// operand, broadcasting any single-element (size-1) operand.
func execElementwise(st instr, buffers map[backend.Reg][]byte) error {
	width := elemWidth(st.typ)
	if width == 0 {
		return errors.Errorf("cpuref: unknown type suffix %q", st.typ)
	}
	out, ok := buffers[backend.Reg(st.out)]
	if !ok {
		return errors.Errorf("cpuref: missing output buffer %q", st.out)
	}
	lanes := len(out) / width

	readers := make([]func(lane int) float64, len(st.ins))
	for i, r := range st.ins {
		if imm, err := strconv.ParseFloat(r, 64); err == nil {
			readers[i] = func(int) float64 { return imm }
			continue
		}
		buf, ok := buffers[backend.Reg(r)]
		if !ok {
			return errors.Errorf("cpuref: missing input buffer %q", r)
		}
		readers[i] = func(lane int) float64 {
			idx := lane
			if len(buf) == width {
				idx = 0 // broadcast a size-1 operand across every lane
			}
			return decode(buf, idx, width, st.typ)
		}
	}

	for lane := 0; lane < lanes; lane++ {
		vals := make([]float64, len(readers))
		for i, rd := range readers {
			vals[i] = rd(lane)
		}
		res, err := apply(st.op, vals)
		if err != nil {
			return err
		}
		encode(out, lane, width, st.typ, res)
	}
	return nil
}

func apply(op string, vals []float64) (float64, error) {
	switch op {
	case "mov":
		return vals[0], nil
	case "add":
		return vals[0] + vals[1], nil
	case "sub":
		return vals[0] - vals[1], nil
	case "mul":
		return vals[0] * vals[1], nil
	case "div":
		return vals[0] / vals[1], nil
	case "min":
		return math.Min(vals[0], vals[1]), nil
	case "max":
		return math.Max(vals[0], vals[1]), nil
	case "fma":
		return vals[0]*vals[1] + vals[2], nil
	case "neg":
		return -vals[0], nil
	default:
		return 0, errors.Errorf("cpuref: unsupported mnemonic %q", op)
	}
}

func elemWidth(typ string) int {
	switch typ {
	case "i8", "u8", "b8":
		return 1
	case "i16", "u16", "f16", "b16":
		return 2
	case "i32", "u32", "f32", "b32":
		return 4
	case "i64", "u64", "f64", "b64", "ptr":
		return 8
	default:
		return 0
	}
}

func decode(buf []byte, lane, width int, typ string) float64 {
	off := lane * width
	switch typ {
	case "f32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	case "f64":
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	case "i32":
		return float64(int32(binary.LittleEndian.Uint32(buf[off:])))
	case "u32":
		return float64(binary.LittleEndian.Uint32(buf[off:]))
	case "i64":
		return float64(int64(binary.LittleEndian.Uint64(buf[off:])))
	case "u64":
		return float64(binary.LittleEndian.Uint64(buf[off:]))
	case "i8", "u8":
		return float64(buf[off])
	default:
		return float64(binary.LittleEndian.Uint32(buf[off:]))
	}
}

func encode(buf []byte, lane, width int, typ string, v float64) {
	off := lane * width
	switch typ {
	case "f32":
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
	case "f64":
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
	case "i32", "u32":
		binary.LittleEndian.PutUint32(buf[off:], uint32(int64(v)))
	case "i64", "u64":
		binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)))
	case "i8", "u8":
		buf[off] = byte(int64(v))
	default:
		binary.LittleEndian.PutUint32(buf[off:], uint32(int64(v)))
	}
}
