// Package vars implements the variable graph: the directed acyclic graph
// of recorded IR statements with two-level reference counting, the CSE
// index, and the pointer-literal index. It is the direct analog of the
// cgx/handle package's id -> Go value table with identity-based dedup via
// the pointer-literal index and explicit Release semantics, generalized
// with graph-specific bookkeeping: dependency edges, two reference counts
// instead of one, and CSE.
package vars

import (
	"fmt"
	"strings"

	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/internal/ordered"
	"github.com/vecjit/vecjit/vjerr"
)

// State is where a variable sits in the evaluation state machine.
type State uint32

const (
	Pending State = iota
	Queued
	Emitted
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Emitted:
		return "emitted"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// ID is a 32-bit variable id. 0 is the reserved null id.
type ID uint32

// Variable is one node of the graph.
type Variable struct {
	Type Type

	Size uint32

	Stmt       string
	StmtStatic bool

	Dep        [3]ID
	ExtraDep   ID

	Data         *alloc.Block
	FreeVariable bool
	DirectPtr    bool

	RefExt int32
	RefInt int32

	TSize uint32

	SideEffect bool
	Dirty      bool

	Label string

	State State
}

// Type aliases dtype.Type so callers of this package don't need to import
// dtype directly for the common case.
type Type = dtype.Type

// fingerprint is the CSE key: structurally identical statements with
// identical operand ids collide. A separate broadcast-class component is
// unnecessary here: whether dep[i] broadcasts is a function of dep[i]'s
// own Size, so two nodes agreeing on dep[0..2] necessarily agree on which
// operands broadcast.
type fingerprint struct {
	typ      Type
	stmt     string
	dep      [3]ID
	extraDep ID
}

// Store is the id -> Variable table plus the CSE and pointer-literal
// indexes. The single coarse mutex guarding concurrent access is owned one
// level up (by the runtime), so Store itself is not internally
// synchronized.
type Store struct {
	nextID ID
	table  *ordered.Map[ID, *Variable]
	cse    map[fingerprint]ID
	ptrLit map[uintptr]ID
}

// New returns an empty variable store.
func New() *Store {
	return &Store{
		nextID: 1,
		table:  ordered.NewMap[ID, *Variable](),
		cse:    make(map[fingerprint]ID),
		ptrLit: make(map[uintptr]ID),
	}
}

// Lookup fetches the variable for id, failing if it doesn't exist.
func (s *Store) Lookup(id ID) (*Variable, error) {
	if id == 0 {
		return nil, vjerr.Recoverable("vars: null id")
	}
	v, ok := s.table.Load(id)
	if !ok {
		return nil, vjerr.Recoverable("vars: unknown variable %d", id)
	}
	return v, nil
}

// MustLookup is Lookup for call sites where a missing id is an internal
// invariant violation rather than a caller mistake (e.g. walking dep[] of
// an already-validated variable).
func (s *Store) MustLookup(id ID) *Variable {
	v, ok := s.table.Load(id)
	if !ok {
		vjerr.Fatal("vars: dangling reference to variable %d", id)
	}
	return v
}

// fingerprintOf computes v's CSE key. Operands that broadcast (size==1,
// output size>1) don't change the key.
func fingerprintOf(v *Variable) fingerprint {
	fp := fingerprint{typ: v.Type, stmt: v.Stmt, dep: v.Dep, extraDep: v.ExtraDep}
	return fp
}

// InsertOrDedupe inserts v (a fully-constructed, not-yet-stored Variable)
// or, if a structurally identical node already exists, discards v and
// returns the existing node with its external ref count bumped. The
// caller must have constructed v with every field already at its final
// value, since dedup only checks the fingerprint, never diffs fields.
func (s *Store) InsertOrDedupe(v *Variable, cseEligible bool) (ID, *Variable, bool) {
	if cseEligible {
		fp := fingerprintOf(v)
		if existing, ok := s.cse[fp]; ok {
			ev := s.MustLookup(existing)
			ev.RefExt++
			return existing, ev, false
		}
	}
	id := s.nextID
	s.nextID++
	s.table.Store(id, v)
	if cseEligible {
		s.cse[fingerprintOf(v)] = id
	}
	return id, v, true
}

// incRefInt bumps dep's internal reference count; called once per distinct
// operand (including extra_dep) when a new node is created.
func (s *Store) incRefInt(dep ID) {
	if dep == 0 {
		return
	}
	v := s.MustLookup(dep)
	v.RefInt++
}

func (s *Store) decRefInt(dep ID) {
	if dep == 0 {
		return
	}
	v, ok := s.table.Load(dep)
	if !ok {
		// Silent no-op: decrementing a nonzero id whose entry is absent
		// (e.g. after shutdown cleared the store) simplifies teardown
		// ordering.
		return
	}
	v.RefInt--
	s.maybeDestroy(dep, v)
}

func (s *Store) incRefExt(id ID) {
	if id == 0 {
		return
	}
	v := s.MustLookup(id)
	v.RefExt++
}

// IncRefExt increments id's external reference count. No-op on id==0.
func (s *Store) IncRefExt(id ID) {
	s.incRefExt(id)
}

// DecRefExt decrements id's external reference count, destroying the node
// if both counts reach zero. No-op on id==0 or on an id whose entry is
// already absent.
func (s *Store) DecRefExt(id ID) (freed *alloc.Block, ok bool) {
	if id == 0 {
		return nil, false
	}
	v, present := s.table.Load(id)
	if !present {
		return nil, false
	}
	v.RefExt--
	return s.maybeDestroy(id, v)
}

// maybeDestroy frees id if both ref counts have reached zero. A node
// marked SideEffect is pinned regardless of ref counts until it has been
// emitted: a fire-and-forget scatter (append, mark_side_effect,
// dec_ref_ext) must still run its statement even though nothing ever
// reads its result.
func (s *Store) maybeDestroy(id ID, v *Variable) (*alloc.Block, bool) {
	if v.RefExt > 0 || v.RefInt > 0 {
		return nil, false
	}
	if v.SideEffect && v.State < Emitted {
		return nil, false
	}
	s.table.Delete(id)
	delete(s.cse, fingerprintOf(v))
	if !v.StmtStatic {
		v.Stmt = ""
	}
	v.Label = ""
	if v.DirectPtr {
		for ptr, pid := range s.ptrLit {
			if pid == id {
				delete(s.ptrLit, ptr)
				break
			}
		}
	}
	// A Completed node already released its operand edges (ReleaseDep)
	// when the scheduler emitted it; otherwise release each distinct
	// operand once, mirroring RegisterDep.
	if v.State < Completed {
		released := make(map[ID]bool, len(v.Dep))
		for _, d := range v.Dep {
			if !released[d] {
				released[d] = true
				s.decRefInt(d)
			}
		}
	}
	if v.ExtraDep != 0 {
		s.DecRefExt(v.ExtraDep)
	}
	var freed *alloc.Block
	if v.FreeVariable && v.Data != nil {
		freed = v.Data
	}
	return freed, true
}

// ReapSideEffect re-attempts destruction of a side-effecting node once the
// scheduler has advanced it past Emitted. maybeDestroy refuses to destroy
// a pinned node even after both ref counts reach zero, so the scheduler
// must call this once the node's statement has actually run to collect
// it (or confirm some other reference has kept it alive in the meantime).
func (s *Store) ReapSideEffect(id ID) (*alloc.Block, bool) {
	v, present := s.table.Load(id)
	if !present || !v.SideEffect {
		return nil, false
	}
	return s.maybeDestroy(id, v)
}

// RegisterDep bumps dep's internal count for a newly created node. Call
// once per distinct operand id (duplicate operands within the same
// statement, e.g. add(x, x), are only counted once).
func (s *Store) RegisterDep(dep ID) {
	s.incRefInt(dep)
}

// ReleaseDep is RegisterDep's inverse: call once a consumer no longer
// needs the trace edge to dep (typically because the consumer has just
// been materialized and dropped its own stmt text). Returns dep's backing
// block if this was its last reference.
func (s *Store) ReleaseDep(dep ID) (*alloc.Block, bool) {
	if dep == 0 {
		return nil, false
	}
	v, ok := s.table.Load(dep)
	if !ok {
		return nil, false
	}
	v.RefInt--
	return s.maybeDestroy(dep, v)
}

// RegisterExtraDep attaches dep as v's extra dependency (which must outlive
// v) and bumps dep's external count. It is used both by the recorder's
// automatic scatter/gather detection and by the explicit set_extra_dep
// entry point.
func (s *Store) RegisterExtraDep(v *Variable, dep ID) {
	if v.ExtraDep != 0 {
		s.DecRefExt(v.ExtraDep)
	}
	v.ExtraDep = dep
	if dep != 0 {
		s.incRefExt(dep)
	}
}

// RegisterPointerLiteral records that id represents the Pointer-typed
// literal ptr, for copy_ptr's dedup.
func (s *Store) RegisterPointerLiteral(ptr uintptr, id ID) {
	s.ptrLit[ptr] = id
}

// LookupPointerLiteral returns the variable already representing ptr, if
// any.
func (s *Store) LookupPointerLiteral(ptr uintptr) (ID, bool) {
	id, ok := s.ptrLit[ptr]
	return id, ok
}

// Snapshot returns every live id in creation order, for Whos()/shutdown
// leak reporting.
func (s *Store) Snapshot() []ID {
	ids := make([]ID, 0, s.table.Size())
	for id := range s.table.Keys() {
		ids = append(ids, id)
	}
	return ids
}

// Size returns the number of live variables.
func (s *Store) Size() int {
	return s.table.Size()
}

// Whos formats a human-readable table of every live variable: id, type,
// size, external/internal ref counts, and label.
func (s *Store) Whos() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-6s %-10s %-6s %-6s %s\n", "id", "type", "size", "ext", "int", "label")
	for id, v := range s.table.Iter() {
		fmt.Fprintf(&b, "%-6d %-6s %-10d %-6d %-6d %s\n", id, v.Type, v.Size, v.RefExt, v.RefInt, v.Label)
	}
	return b.String()
}

// Str formats a single variable's state as a one-line summary.
func (s *Store) Str(id ID) (string, error) {
	v, err := s.Lookup(id)
	if err != nil {
		return "", err
	}
	status := "unevaluated"
	if v.Data != nil {
		status = "materialized"
	}
	if v.Dirty {
		status += ",dirty"
	}
	return fmt.Sprintf("variable %d: type=%s size=%d state=%s ext=%d int=%d stmt=%q",
		id, v.Type, v.Size, status, v.RefExt, v.RefInt, v.Stmt), nil
}
