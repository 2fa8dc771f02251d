package vars_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/vars"
)

func TestInsertOrDedupeFreshNode(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, Stmt: "mov.$t0 $r0, 1", RefExt: 1, State: vars.Pending}
	id, v, fresh := s.InsertOrDedupe(nv, true)
	require.True(t, fresh)
	assert.NotZero(t, id)
	assert.Same(t, nv, v)
}

// Invariant 3 / property: identical (type, stmt, dep) trace_append calls
// return the same id and the second call performs no fresh allocation —
// it reuses the existing node and bumps its external count.
func TestInsertOrDedupeCollidesOnIdenticalFingerprint(t *testing.T) {
	s := vars.New()
	a := &vars.Variable{Type: dtype.Int32, Size: 3, Stmt: "add.$t0 $r0, $r1, $r2", Dep: [3]vars.ID{1, 2, 0}, RefExt: 1}
	id1, v1, fresh1 := s.InsertOrDedupe(a, true)
	require.True(t, fresh1)

	b := &vars.Variable{Type: dtype.Int32, Size: 3, Stmt: "add.$t0 $r0, $r1, $r2", Dep: [3]vars.ID{1, 2, 0}, RefExt: 1}
	id2, v2, fresh2 := s.InsertOrDedupe(b, true)

	assert.False(t, fresh2)
	assert.Equal(t, id1, id2)
	assert.Same(t, v1, v2)
	assert.EqualValues(t, 2, v1.RefExt, "second call bumped the existing node's external count")
}

func TestInsertOrDedupeDifferentDepsDoNotCollide(t *testing.T) {
	s := vars.New()
	a := &vars.Variable{Type: dtype.Int32, Size: 3, Stmt: "add.$t0 $r0, $r1, $r2", Dep: [3]vars.ID{1, 2, 0}, RefExt: 1}
	id1, _, _ := s.InsertOrDedupe(a, true)

	b := &vars.Variable{Type: dtype.Int32, Size: 3, Stmt: "add.$t0 $r0, $r1, $r2", Dep: [3]vars.ID{1, 3, 0}, RefExt: 1}
	id2, _, fresh2 := s.InsertOrDedupe(b, true)

	assert.True(t, fresh2)
	assert.NotEqual(t, id1, id2)
}

func TestCSEEligibleFalseNeverDedupes(t *testing.T) {
	s := vars.New()
	a := &vars.Variable{Type: dtype.Pointer, Size: 1, DirectPtr: true, RefExt: 1}
	id1, _, _ := s.InsertOrDedupe(a, false)

	b := &vars.Variable{Type: dtype.Pointer, Size: 1, DirectPtr: true, RefExt: 1}
	id2, _, fresh2 := s.InsertOrDedupe(b, false)

	assert.True(t, fresh2)
	assert.NotEqual(t, id1, id2)
}

// Invariant 1: a chain fully dereferenced (RefExt and RefInt both reach
// zero) is actually removed from the store.
func TestDecRefExtToZeroDestroysNode(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	id, _, _ := s.InsertOrDedupe(nv, false)

	_, freed := s.DecRefExt(id)
	assert.True(t, freed)
	_, err := s.Lookup(id)
	assert.Error(t, err)
}

// Invariant 2: creating a node bumps its dependency's internal ref count,
// and that dependency survives (RefInt > 0) until the dependent is
// destroyed.
func TestRegisterDepKeepsDependencyAlive(t *testing.T) {
	s := vars.New()
	dep := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	depID, depVar, _ := s.InsertOrDedupe(dep, false)

	consumer := &vars.Variable{Type: dtype.Int32, Size: 1, Dep: [3]vars.ID{depID, 0, 0}, RefExt: 1}
	_, _, _ = s.InsertOrDedupe(consumer, false)
	s.RegisterDep(depID)

	// The consumer's internal reference keeps dep alive even after its
	// external owner drops its own reference.
	_, freed := s.DecRefExt(depID)
	assert.False(t, freed)

	v, err := s.Lookup(depID)
	require.NoError(t, err)
	assert.Same(t, depVar, v)
	assert.EqualValues(t, 1, v.RefInt)
}

func TestReleaseDepFreesWhenLastReference(t *testing.T) {
	s := vars.New()
	dep := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 0, RefInt: 1}
	depID, _, _ := s.InsertOrDedupe(dep, false)

	_, freed := s.ReleaseDep(depID)
	assert.True(t, freed)
	_, err := s.Lookup(depID)
	assert.Error(t, err)
}

func TestReleaseDepZeroIsNoop(t *testing.T) {
	s := vars.New()
	_, freed := s.ReleaseDep(0)
	assert.False(t, freed)
}

func TestRegisterExtraDepBumpsAndReplaces(t *testing.T) {
	s := vars.New()
	first := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	firstID, _, _ := s.InsertOrDedupe(first, false)
	second := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	secondID, _, _ := s.InsertOrDedupe(second, false)

	node := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	_, nodeVar, _ := s.InsertOrDedupe(node, false)

	s.RegisterExtraDep(nodeVar, firstID)
	fv, err := s.Lookup(firstID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fv.RefExt)

	s.RegisterExtraDep(nodeVar, secondID)
	fv, err = s.Lookup(firstID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fv.RefExt, "replacing extra_dep releases the old one")
	assert.Equal(t, secondID, nodeVar.ExtraDep)
}

// Property 7: copy_ptr-style dedup is idempotent up to reference counting.
func TestPointerLiteralDedupIsIdempotent(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Pointer, Size: 1, DirectPtr: true, RefExt: 1}
	id, _, _ := s.InsertOrDedupe(nv, false)
	s.RegisterPointerLiteral(0xABCD, id)

	got, ok := s.LookupPointerLiteral(0xABCD)
	require.True(t, ok)
	assert.Equal(t, id, got)

	s.IncRefExt(id)
	v, err := s.Lookup(id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.RefExt)
}

// A side-effecting node (a fire-and-forget scatter) must not be collected
// once its ref counts hit zero while it is still Pending/Queued: it has
// to survive to be emitted at least once.
func TestSideEffectPinnedUntilEmitted(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, SideEffect: true, RefExt: 1, State: vars.Pending}
	id, _, _ := s.InsertOrDedupe(nv, false)

	_, freed := s.DecRefExt(id)
	assert.False(t, freed, "a pinned side-effecting node survives dropping to zero refs")

	v, err := s.Lookup(id)
	require.NoError(t, err)
	assert.True(t, v.SideEffect)
}

// Once the scheduler has advanced a pinned side-effecting node past
// Emitted, ReapSideEffect finally collects it if nothing else references
// it.
func TestReapSideEffectCollectsAfterEmitted(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, SideEffect: true, RefExt: 1, State: vars.Pending}
	id, v, _ := s.InsertOrDedupe(nv, false)
	_, freed := s.DecRefExt(id)
	require.False(t, freed)

	v.State = vars.Completed
	_, freed = s.ReapSideEffect(id)
	assert.True(t, freed)

	_, err := s.Lookup(id)
	assert.Error(t, err)
}

// A side-effecting node that is still referenced when it is emitted is not
// collected by ReapSideEffect; ordinary ref-count arithmetic still applies.
func TestReapSideEffectNoopWhileReferenced(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, SideEffect: true, RefExt: 1, State: vars.Completed}
	id, _, _ := s.InsertOrDedupe(nv, false)

	_, freed := s.ReapSideEffect(id)
	assert.False(t, freed)
	_, err := s.Lookup(id)
	assert.NoError(t, err)
}

// ReapSideEffect is a no-op for ids that were never marked SideEffect.
func TestReapSideEffectIgnoresNonSideEffectNodes(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 0, State: vars.Completed}
	id, _, _ := s.InsertOrDedupe(nv, false)

	_, freed := s.ReapSideEffect(id)
	assert.False(t, freed)
}

func TestMustLookupPanicsOnDanglingID(t *testing.T) {
	s := vars.New()
	assert.Panics(t, func() {
		s.MustLookup(vars.ID(999))
	})
}

func TestSnapshotReflectsLiveSet(t *testing.T) {
	s := vars.New()
	a := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	idA, _, _ := s.InsertOrDedupe(a, false)
	b := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	idB, _, _ := s.InsertOrDedupe(b, false)

	assert.ElementsMatch(t, []vars.ID{idA, idB}, s.Snapshot())
	assert.Equal(t, 2, s.Size())
}

func TestStrFormatsMaterializedState(t *testing.T) {
	s := vars.New()
	nv := &vars.Variable{Type: dtype.Int32, Size: 1, RefExt: 1}
	id, _, _ := s.InsertOrDedupe(nv, false)

	str, err := s.Str(id)
	require.NoError(t, err)
	assert.Contains(t, str, "unevaluated")
}
