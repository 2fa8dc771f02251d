// Package trace implements the recorder: the entry points that turn
// arithmetic on traced variables into new graph nodes (append_0..append_3),
// register already-materialized buffers (map, copy, copy_ptr), and the
// slow host<->device paths (read, write). It is the graph-construction
// half of the variable store; vars.Store owns the table, this package owns
// the rules for inserting into it.
package trace

import (
	"strings"

	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/stream"
	"github.com/vecjit/vecjit/vars"
	"github.com/vecjit/vecjit/vjerr"
)

// Evaluator is the narrow slice of the scheduler the recorder needs: the
// ability to force a pending evaluation when a read touches a dirty
// variable. Kept as an interface here, rather than importing package eval
// directly, so eval can in turn depend on this package's types without a
// cycle.
type Evaluator interface {
	Evaluate() error
}

// Recorder is the stateful entry point for every trace_append_* call, plus
// map/copy/copy_ptr/read/write/set_size and the flag mutators.
type Recorder struct {
	vars    *vars.Store
	streams *stream.Manager
	alloc   *alloc.Allocator
	eval    Evaluator
}

// New returns a recorder over the given singletons.
func New(v *vars.Store, sm *stream.Manager, al *alloc.Allocator, ev Evaluator) *Recorder {
	return &Recorder{vars: v, streams: sm, alloc: al, eval: ev}
}

// writeFormPrefixes lists the statement-text prefixes the recorder
// recognizes as a known write form: a scatter or atomic-add whose first
// operand is the buffer being mutated, which must stay alive at least as
// long as this node (enforced via extra_dep).
var writeFormPrefixes = []string{"scatter", "atomic_add"}

func detectsWriteForm(stmt string) bool {
	for _, p := range writeFormPrefixes {
		if strings.HasPrefix(stmt, p) {
			return true
		}
	}
	return false
}

// fetch looks up id, forcing an evaluation, re-fetching, and clearing the
// dirty flag if it is dirty.
func (r *Recorder) fetch(id vars.ID) (*vars.Variable, error) {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return nil, err
	}
	if v.Dirty {
		if err := r.eval.Evaluate(); err != nil {
			return nil, err
		}
		v, err = r.vars.Lookup(id)
		if err != nil {
			return nil, err
		}
		v.Dirty = false
	}
	return v, nil
}

// appendN is the shared body of Append0..Append3.
func (r *Recorder) appendN(typ dtype.Type, stmt string, stmtStatic bool, sizeHint uint32, ops []vars.ID) (vars.ID, error) {
	if _, err := r.streams.Active(); err != nil {
		return 0, err
	}

	var fetched []*vars.Variable
	outSize := sizeHint
	for _, op := range ops {
		if op == 0 {
			return 0, vjerr.Recoverable("trace: operand id must not be 0")
		}
		v, err := r.fetch(op)
		if err != nil {
			return 0, err
		}
		fetched = append(fetched, v)
		if v.Size > outSize {
			outSize = v.Size
		}
	}
	for _, v := range fetched {
		if v.Size != 1 && v.Size != outSize {
			return 0, vjerr.Recoverable("trace: incompatible operand sizes %d and %d", v.Size, outSize)
		}
	}

	tsize := uint32(1)
	var dep [3]vars.ID
	for i, v := range fetched {
		dep[i] = ops[i]
		tsize += v.TSize
	}

	nv := &vars.Variable{
		Type:       typ,
		Size:       outSize,
		Stmt:       stmt,
		StmtStatic: stmtStatic,
		Dep:        dep,
		TSize:      tsize,
		RefExt:     1,
		State:      vars.Pending,
	}

	id, ev, inserted := r.vars.InsertOrDedupe(nv, true)
	if !inserted {
		return id, nil
	}

	seen := make(map[vars.ID]bool, len(ops))
	for _, op := range ops {
		if op != 0 && !seen[op] {
			seen[op] = true
			r.vars.RegisterDep(op)
		}
	}
	if detectsWriteForm(stmt) && len(ops) > 0 {
		r.vars.RegisterExtraDep(ev, ops[0])
	}

	if st, err := r.streams.Active(); err == nil {
		st.Enqueue(uint32(id))
	}
	return id, nil
}

// Append0 records a nullary statement (a literal constant) of the given
// size.
func (r *Recorder) Append0(typ dtype.Type, stmt string, stmtStatic bool, size uint32) (vars.ID, error) {
	return r.appendN(typ, stmt, stmtStatic, size, nil)
}

// Append1 records a unary statement.
func (r *Recorder) Append1(typ dtype.Type, stmt string, stmtStatic bool, op1 vars.ID) (vars.ID, error) {
	return r.appendN(typ, stmt, stmtStatic, 0, []vars.ID{op1})
}

// Append2 records a binary statement.
func (r *Recorder) Append2(typ dtype.Type, stmt string, stmtStatic bool, op1, op2 vars.ID) (vars.ID, error) {
	return r.appendN(typ, stmt, stmtStatic, 0, []vars.ID{op1, op2})
}

// Append3 records a ternary statement.
func (r *Recorder) Append3(typ dtype.Type, stmt string, stmtStatic bool, op1, op2, op3 vars.ID) (vars.ID, error) {
	return r.appendN(typ, stmt, stmtStatic, 0, []vars.ID{op1, op2, op3})
}

// Map registers an already-materialized buffer as a Variable with no
// statement. If owned is true the store takes ownership of data and will
// free it when the variable's reference counts reach zero.
func (r *Recorder) Map(typ dtype.Type, data []byte, owned bool) (vars.ID, error) {
	size := uint32(0)
	if w := typ.Size(); w > 0 {
		size = uint32(len(data)) / w
	}
	blk := alloc.WrapExternal(data, dtype.Host, -1)
	nv := &vars.Variable{
		Type:         typ,
		Size:         size,
		Data:         blk,
		FreeVariable: owned,
		RefExt:       1,
		TSize:        1,
		State:        vars.Completed,
	}
	id, _, _ := r.vars.InsertOrDedupe(nv, false)
	return id, nil
}

// Copy allocates device memory and synchronously copies host into it,
// returning a new materialized Variable. The synchronous copy is
// documented as a slow path: production call sites prefer map/trace_append.
func (r *Recorder) Copy(typ dtype.Type, host []byte, size uint32) (vars.ID, error) {
	st, err := r.streams.Active()
	if err != nil {
		return 0, err
	}
	flavor, device := dtype.Device, st.Key.Device
	if st.Backend == stream.CPU {
		flavor = dtype.Host
	}
	nbytes := uint64(size) * uint64(typ.Size())
	blk, err := r.alloc.Allocate(flavor, device, nbytes)
	if err != nil {
		return 0, err
	}
	copy(blk.Bytes(), host)

	nv := &vars.Variable{
		Type:         typ,
		Size:         size,
		Data:         blk,
		FreeVariable: true,
		RefExt:       1,
		TSize:        1,
		State:        vars.Completed,
	}
	id, _, _ := r.vars.InsertOrDedupe(nv, false)
	return id, nil
}

// CopyPtr registers a Pointer-typed literal, deduplicating via the
// pointer-literal index: a second CopyPtr(p) for the same p returns the
// same id with its external count bumped, never allocating a second node.
func (r *Recorder) CopyPtr(ptr uintptr) (vars.ID, error) {
	if ptr == 0 {
		return 0, nil
	}
	if id, ok := r.vars.LookupPointerLiteral(ptr); ok {
		r.vars.IncRefExt(id)
		return id, nil
	}
	nv := &vars.Variable{
		Type:       dtype.Pointer,
		Size:       1,
		DirectPtr:  true,
		RefExt:     1,
		TSize:      1,
		StmtStatic: true,
		State:      vars.Completed,
	}
	id, _, _ := r.vars.InsertOrDedupe(nv, false)
	r.vars.RegisterPointerLiteral(ptr, id)
	return id, nil
}

// SetSize implements set_size(id, size, copy): an unevaluated, unreferenced
// (no internal users) variable has its size overwritten in place. A
// materialized scalar (size==1) with copy==true instead emits a new "mov"
// trace node of the requested size, since the existing node may already be
// shared. Any other combination fails.
func (r *Recorder) SetSize(id vars.ID, size uint32, copyOnResize bool) (vars.ID, error) {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return 0, err
	}
	materialized := v.Data != nil
	referenced := v.RefInt > 0

	if !materialized && !referenced {
		v.Size = size
		return id, nil
	}
	if materialized && v.Size == 1 && copyOnResize {
		return r.appendN(v.Type, "mov.$t0 $r0, $r1", true, size, []vars.ID{id})
	}
	return 0, vjerr.Recoverable("trace: cannot resize variable %d (materialized=%v referenced=%v)", id, materialized, referenced)
}

// Read forces a full stream sync and transfers a single element at offset
// from device to host. Slow path: intended for debugging and tests, not
// bulk transfer.
func (r *Recorder) Read(id vars.ID, offset uint32, dst []byte) error {
	v, err := r.fetch(id)
	if err != nil {
		return err
	}
	if st, serr := r.streams.Active(); serr == nil {
		st.Sync()
	}
	if v.Data == nil {
		return vjerr.Recoverable("trace: variable %d has no materialized data", id)
	}
	width := int(v.Type.Size())
	start := int(offset) * width
	if start+width > len(v.Data.Bytes()) {
		return vjerr.Recoverable("trace: read offset %d out of range for variable %d", offset, id)
	}
	copy(dst, v.Data.Bytes()[start:start+width])
	return nil
}

// Write forces a full stream sync and transfers a single element at offset
// from host to device, marking the variable dirty so the next read forces
// a re-evaluation of anything downstream.
func (r *Recorder) Write(id vars.ID, offset uint32, src []byte) error {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return err
	}
	if st, serr := r.streams.Active(); serr == nil {
		st.Sync()
	}
	if v.Data == nil {
		return vjerr.Recoverable("trace: variable %d has no materialized data", id)
	}
	width := int(v.Type.Size())
	start := int(offset) * width
	if start+width > len(v.Data.Bytes()) {
		return vjerr.Recoverable("trace: write offset %d out of range for variable %d", offset, id)
	}
	copy(v.Data.Bytes()[start:start+width], src)
	v.Dirty = true
	return nil
}

// SetExtraDep attaches dep as id's extra dependency.
func (r *Recorder) SetExtraDep(id, dep vars.ID) error {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return err
	}
	r.vars.RegisterExtraDep(v, dep)
	return nil
}

// MarkSideEffect flags id as a side-effecting node, kept pinned in its
// stream's todo set by the scheduler until it has actually run.
func (r *Recorder) MarkSideEffect(id vars.ID) error {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return err
	}
	v.SideEffect = true
	return nil
}

// MarkDirty flags id as dirty: the next operation that reads it forces an
// evaluate() first.
func (r *Recorder) MarkDirty(id vars.ID) error {
	v, err := r.vars.Lookup(id)
	if err != nil {
		return err
	}
	v.Dirty = true
	return nil
}

// trueLiteral and falseLiteral are the literal-constant IR texts the
// recorder recognizes as an all-true or all-false mask.
const (
	trueLiteral  = "mov.msk $r0, 1"
	falseLiteral = "mov.msk $r0, 0"
)

// IsAllFalse is a syntactic check: true only if id is an unevaluated,
// Bool-typed literal-constant statement encoding false. Never triggers
// evaluation.
func (r *Recorder) IsAllFalse(id vars.ID) bool {
	v, err := r.vars.Lookup(id)
	if err != nil || v.Data != nil || v.Type != dtype.Bool {
		return false
	}
	return v.Stmt == falseLiteral
}

// IsAllTrue is IsAllFalse's dual.
func (r *Recorder) IsAllTrue(id vars.ID) bool {
	v, err := r.vars.Lookup(id)
	if err != nil || v.Data != nil || v.Type != dtype.Bool {
		return false
	}
	return v.Stmt == trueLiteral
}
