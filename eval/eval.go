// Package eval implements the scheduler: closing the active stream's todo
// set over its dependencies, partitioning by output size, emitting one
// kernel per partition, allocating outputs, dispatching to the back-end,
// and transitioning every emitted variable to Completed. It is the
// Pending -> Queued -> Emitted -> Completed state machine that turns a
// trace into materialized buffers.
package eval

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vecjit/vecjit/alloc"
	"github.com/vecjit/vecjit/backend"
	"github.com/vecjit/vecjit/dtype"
	"github.com/vecjit/vecjit/stream"
	"github.com/vecjit/vecjit/vars"
	"github.com/vecjit/vecjit/vjerr"
)

// Scheduler owns no state of its own beyond configuration; every table it
// touches is one of the process-wide singletons handed in at construction.
type Scheduler struct {
	vars     *vars.Store
	streams  *stream.Manager
	alloc    *alloc.Allocator
	emitter  backend.Emitter
	compiler backend.Compiler
	target   string
	parallel bool
}

// New returns a scheduler. target names the compilation target passed to
// compiler.Compile (e.g. "llvm" or a CUDA SM version string); parallel
// enables concurrent dispatch of independent size partitions across
// synthetic streams.
func New(v *vars.Store, sm *stream.Manager, al *alloc.Allocator, em backend.Emitter, comp backend.Compiler, target string, parallel bool) *Scheduler {
	return &Scheduler{vars: v, streams: sm, alloc: al, emitter: em, compiler: comp, target: target, parallel: parallel}
}

// SetParallel toggles parallel dispatch at runtime (parallel_set_dispatch).
func (s *Scheduler) SetParallel(p bool) { s.parallel = p }

// Parallel reports whether parallel dispatch is enabled
// (parallel_dispatch).
func (s *Scheduler) Parallel() bool { return s.parallel }

// Evaluate drains the active stream's entire todo set.
func (s *Scheduler) Evaluate() error {
	st, err := s.streams.Active()
	if err != nil {
		return err
	}
	roots := make([]vars.ID, 0, len(st.Todo()))
	for _, id := range st.Todo() {
		roots = append(roots, vars.ID(id))
	}
	return s.run(st, roots)
}

// VarEval evaluates only what id's subgraph needs, leaving the rest of the
// active stream's todo set queued for a later Evaluate.
func (s *Scheduler) VarEval(id vars.ID) error {
	st, err := s.streams.Active()
	if err != nil {
		return err
	}
	return s.run(st, []vars.ID{id})
}

// closeOverDeps walks dep[] and extra_dep from every root, returning every
// not-yet-materialized ancestor in a valid topological order (dependencies
// before dependents) via post-order DFS.
func (s *Scheduler) closeOverDeps(roots []vars.ID) []vars.ID {
	seen := make(map[vars.ID]bool)
	var order []vars.ID
	var visit func(id vars.ID)
	visit = func(id vars.ID) {
		if id == 0 || seen[id] {
			return
		}
		seen[id] = true
		v, err := s.vars.Lookup(id)
		if err != nil {
			return
		}
		if v.State == vars.Completed {
			return
		}
		for _, d := range v.Dep {
			visit(d)
		}
		visit(v.ExtraDep)
		order = append(order, id)
	}
	for _, r := range roots {
		visit(r)
	}
	return order
}

func (s *Scheduler) run(active *stream.Stream, roots []vars.ID) error {
	closure := s.closeOverDeps(roots)
	if len(closure) == 0 {
		return nil
	}

	partitions := make(map[uint32][]vars.ID)
	var sizes []uint32
	for _, id := range closure {
		v := s.vars.MustLookup(id)
		if _, ok := partitions[v.Size]; !ok {
			sizes = append(sizes, v.Size)
		}
		partitions[v.Size] = append(partitions[v.Size], id)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })

	for _, ids := range partitions {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	if s.parallel && len(sizes) > 1 {
		g := new(errgroup.Group)
		for i, size := range sizes {
			size, idx := size, i
			g.Go(func() error {
				dst, err := s.streams.DeviceSet(active.Key.Device, active.Key.Stream+1+uint32(idx))
				if err != nil {
					return err
				}
				return s.emitPartition(dst, partitions[size])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		// Each partition removed its ids from its own synthetic stream;
		// drop them from the caller's todo set too.
		for _, id := range closure {
			active.Remove(uint32(id))
		}
	} else {
		for _, size := range sizes {
			if err := s.emitPartition(active, partitions[size]); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitPartition builds, compiles, and launches one kernel covering every
// variable id in ids (all sharing one output size), then transitions them
// to Completed.
func (s *Scheduler) emitPartition(st *stream.Stream, ids []vars.ID) error {
	stmts := make([]backend.Stmt, 0, len(ids))
	buffers := make(map[backend.Reg][]byte)

	for _, id := range ids {
		v := s.vars.MustLookup(id)
		v.State = vars.Queued

		var ops [3]backend.Operand
		nops := 0
		for i, dep := range v.Dep {
			if dep == 0 {
				continue
			}
			dv := s.vars.MustLookup(dep)
			ops[i] = backend.Operand{Reg: regName(dep), Type: dv.Type}
			if dv.Data != nil {
				buffers[regName(dep)] = dv.Data.Bytes()
			}
			nops = i + 1
		}

		out := backend.Operand{Reg: regName(id), Type: v.Type}
		stmts = append(stmts, backend.Stmt{Out: out, Ops: ops, NOps: nops, Text: v.Stmt})
		v.State = vars.Emitted
	}

	kernelText, err := s.emitter.Emit(stmts)
	if err != nil {
		return vjerr.Wrap(err, "eval: emit partition")
	}

	flavor, device := dtype.Device, st.Key.Device
	if st.Backend == stream.CPU {
		flavor = dtype.Host
	}
	for _, id := range ids {
		v := s.vars.MustLookup(id)
		if v.DirectPtr || v.Data != nil {
			continue
		}
		blk, err := s.alloc.Allocate(flavor, device, uint64(v.Size)*uint64(v.Type.Size()))
		if err != nil {
			return vjerr.Wrap(err, "eval: allocate output for variable %d", id)
		}
		v.Data = blk
		v.FreeVariable = true
		buffers[regName(id)] = blk.Bytes()
	}

	kernel, err := s.compiler.Compile(s.target, kernelText)
	if err != nil {
		return vjerr.Wrap(err, "eval: compile partition")
	}
	event, err := kernel.Launch(st.Key, buffers)
	if err != nil {
		return vjerr.Wrap(err, "eval: launch partition")
	}
	st.RecordEvent(event)

	for _, id := range ids {
		v := s.vars.MustLookup(id)
		v.State = vars.Completed
		if !v.StmtStatic {
			v.Stmt = ""
		}
		released := make(map[vars.ID]bool, len(v.Dep))
		for _, dep := range v.Dep {
			if released[dep] {
				continue // a repeated operand was registered only once
			}
			released[dep] = true
			if blk, freed := s.vars.ReleaseDep(dep); freed && blk != nil {
				s.alloc.Free(blk, st.Key, event)
			}
		}
		if v.ExtraDep != 0 {
			if blk, freed := s.vars.DecRefExt(v.ExtraDep); freed && blk != nil {
				s.alloc.Free(blk, st.Key, event)
			}
			v.ExtraDep = 0
		}
		if blk, freed := s.vars.ReapSideEffect(id); freed && blk != nil {
			s.alloc.Free(blk, st.Key, event)
		}
		st.Remove(uint32(id))
	}
	return nil
}

// SyncStream blocks until everything queued on the active stream has
// completed, then drains its release chain so freed intermediates rejoin
// the allocator's free list.
func (s *Scheduler) SyncStream() error {
	st, err := s.streams.Active()
	if err != nil {
		return err
	}
	st.Sync()
	s.alloc.DrainReleaseChain(st.Key)
	return nil
}

// SyncDevice blocks until every stream on the active stream's device has
// completed. Only meaningful for the CUDA back-end; the LLVM/CPU back-end
// with work-stealing dispatch has no device-wide handle to wait on.
func (s *Scheduler) SyncDevice() error {
	st, err := s.streams.Active()
	if err != nil {
		return err
	}
	if st.Backend == stream.CPU {
		return vjerr.Recoverable("eval: sync_device is not supported on the CPU back-end")
	}
	for _, peer := range s.streams.StreamsOnDevice(st.Key.Device) {
		peer.Sync()
		s.alloc.DrainReleaseChain(peer.Key)
	}
	return nil
}

func regName(id vars.ID) backend.Reg {
	return backend.Reg(fmt.Sprintf("r%d", id))
}
