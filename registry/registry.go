// Package registry implements vecjit's pointer registry: a mapping from
// opaque pointer values to compact, per-domain 32-bit ids, as used for
// virtual-call dispatch tables. Domains are compared by pointer identity;
// callers must pass a stable, program-lifetime address for the domain
// string (e.g. a package-level constant).
//
// The handle/value bookkeeping here is grounded on the cgx/handle
// package's analogous "opaque handle -> live Go value" table; this
// package additionally partitions that table per domain and keeps ids
// dense via a free list, which cgx/handle does not need since it never
// reuses handle numbers.
package registry

import (
	"unsafe"

	"golang.org/x/exp/maps"

	"github.com/vecjit/vecjit/internal/ordered"
	"github.com/vecjit/vecjit/vjerr"
)

// domainKey is the stable identity of a domain: the address of the
// domain string's backing bytes, assumed to remain alive for the life of
// the process.
type domainKey = *byte

type domainTable struct {
	name    string
	entries []uintptr // index i -> pointer for compact id i+1; 0 == released slot
	free    []uint32  // released ids (1-based), kept sorted ascending on insert
}

// Registry is the process-wide pointer registry.
type Registry struct {
	domains   *ordered.Map[domainKey, *domainTable]
	byPointer map[uintptr]regEntry
}

type regEntry struct {
	dom *domainTable
	id  uint32
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		domains:   ordered.NewMap[domainKey, *domainTable](),
		byPointer: make(map[uintptr]regEntry),
	}
}

func keyOf(domain string) domainKey {
	// The caller is required to pass the same backing string each time
	// (e.g. a package-level constant); StringData gives us the address of
	// its backing bytes so domains compare by identity, not content.
	if len(domain) == 0 {
		return nil
	}
	return unsafe.StringData(domain)
}

// domainFor returns the table for domain (creating it if create is set)
// and the identity key it is stored under; the table keeps the domain's
// display name for lookups like get_domain.
func (r *Registry) domainFor(domain string, create bool) (*domainTable, domainKey) {
	k := keyOf(domain)
	dt, ok := r.domains.Load(k)
	if !ok {
		if !create {
			return nil, k
		}
		dt = &domainTable{name: domain}
		r.domains.Store(k, dt)
	}
	return dt, k
}

// Put registers ptr under domain, returning its compact id. Returns 0 if
// ptr==0. Fails if ptr is already registered in any domain.
func (r *Registry) Put(domain string, ptr uintptr) (uint32, error) {
	if ptr == 0 {
		return 0, nil
	}
	if _, already := r.byPointer[ptr]; already {
		return 0, vjerr.Recoverable("registry: pointer already registered")
	}
	dt, _ := r.domainFor(domain, true)

	var id uint32
	if n := len(dt.free); n > 0 {
		id = dt.free[0]
		dt.free = dt.free[1:]
		dt.entries[id-1] = ptr
	} else {
		dt.entries = append(dt.entries, ptr)
		id = uint32(len(dt.entries))
	}
	r.byPointer[ptr] = regEntry{dom: dt, id: id}
	return id, nil
}

// Remove releases ptr's id back to its domain's free list. No-op if
// ptr==0; fails if ptr is not registered.
func (r *Registry) Remove(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	e, ok := r.byPointer[ptr]
	if !ok {
		return vjerr.Recoverable("registry: pointer not registered")
	}
	delete(r.byPointer, ptr)
	e.dom.entries[e.id-1] = 0
	e.dom.free = insertSorted(e.dom.free, e.id)
	return nil
}

func insertSorted(s []uint32, v uint32) []uint32 {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// GetID returns ptr's compact id, or 0 if ptr==0. Fails if ptr is unknown.
func (r *Registry) GetID(ptr uintptr) (uint32, error) {
	if ptr == 0 {
		return 0, nil
	}
	e, ok := r.byPointer[ptr]
	if !ok {
		return 0, vjerr.Recoverable("registry: pointer not registered")
	}
	return e.id, nil
}

// GetDomain returns the domain name ptr was registered under.
func (r *Registry) GetDomain(ptr uintptr) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	e, ok := r.byPointer[ptr]
	if !ok {
		return "", vjerr.Recoverable("registry: pointer not registered")
	}
	return e.dom.name, nil
}

// GetPtr returns the pointer registered under (domain, id). Returns 0 if
// id==0. Fails if (domain, id) is unknown.
func (r *Registry) GetPtr(domain string, id uint32) (uintptr, error) {
	if id == 0 {
		return 0, nil
	}
	dt, _ := r.domainFor(domain, false)
	if dt == nil || int(id) > len(dt.entries) || dt.entries[id-1] == 0 {
		return 0, vjerr.Recoverable("registry: (domain=%q, id=%d) not registered", domain, id)
	}
	return dt.entries[id-1], nil
}

// GetMax returns an upper bound (<=) on the largest id used in domain.
func (r *Registry) GetMax(domain string) uint32 {
	dt, _ := r.domainFor(domain, false)
	if dt == nil {
		return 0
	}
	return uint32(len(dt.entries))
}

// Trim truncates trailing empty (released) slots from every domain.
func (r *Registry) Trim() {
	for _, dt := range r.domains.Iter() {
		n := len(dt.entries)
		for n > 0 && dt.entries[n-1] == 0 {
			n--
		}
		dt.entries = dt.entries[:n]
		newFree := dt.free[:0]
		for _, id := range dt.free {
			if int(id) <= n {
				newFree = append(newFree, id)
			}
		}
		dt.free = newFree
	}
}

// LiveCount returns how many pointers are currently registered, across all
// domains; used by Shutdown's leak report.
func (r *Registry) LiveCount() int {
	return len(r.byPointer)
}

// Pointers returns every currently registered pointer, in no particular
// order; used by Shutdown to enumerate what it's about to report as leaked.
func (r *Registry) Pointers() []uintptr {
	return maps.Keys(r.byPointer)
}
