// Package vma implements the VMA manager (VM): the allocator of virtual
// address ranges within the alias pool, independent of what (if anything)
// ends up page-table-mapped inside them.
package vma

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/util"
)

// Source supplies the randomness ASLR placement needs. Manager only ever
// calls Uint64 through this interface so tests can substitute a
// deterministic sequence.
type Source interface {
	Uint64() uint64
}

type defaultSource struct{}

func (defaultSource) Uint64() uint64 { return rand.Uint64() }

// node is one free virtual region, kept in a doubly linked ascending
// address list so a carve can unlink/relink in O(1) without rescanning.
type node struct {
	prev, next *node
	addr       mem.Va_t
	size       uintptr
}

// Reservation describes one VMA handed out by Reserve. The mapped range
// starts at Base; Total additionally covers the trailing guard/quarantine
// slack, which stays reserved but is never page-table-mapped.
type Reservation struct {
	Base  mem.Va_t
	Total uintptr
}

// Manager is the VMA manager: an ordered free list plus first-fit/ASLR
// placement and a retire-by-drop policy for freed ranges.
type Manager struct {
	mu   sync.Mutex
	head *node
	rng  Source
	// gc records retired reservations but is never consulted by Reserve:
	// this engine never returns address space to the free list once
	// handed out. Retirement by drop is what keeps stale aliases faulting
	// forever.
	gc []Reservation
}

// New creates a Manager whose entire free space is [base, base+size).
func New(base mem.Va_t, size uintptr, rng Source) *Manager {
	if rng == nil {
		rng = defaultSource{}
	}
	return &Manager{head: &node{addr: base, size: size}, rng: rng}
}

// reservedSize computes the full VMA size for a mapSize-byte mapping under
// the given guard policy: plain = mapSize, guard ("shaun") = mapSize+PAGE,
// wide guard ("blacksheep") = mapSize*2+PAGE, the extreme quarantine that
// keeps a whole allocation's worth of dead space behind every mapping.
func reservedSize(mapSize uintptr, guard, wide bool) uintptr {
	switch {
	case wide:
		return mapSize*2 + mem.PGSIZE
	case guard:
		return mapSize + mem.PGSIZE
	default:
		return mapSize
	}
}

// Reserve finds the first free region, in ascending address order, whose
// aligned starting address admits a size-byte allocation under the
// requested guard policy, and carves it out. align must be a page
// multiple; callers that have no alignment requirement of their own pass
// mem.PGSIZE.
//
// With aslr set, the carve point is chosen uniformly at random among every
// aligned slot the first admitting region offers: slots = (last-first)/align+1,
// with first/last the lowest/highest aligned starting address the region
// can still satisfy. The random pick stays within the first VMA that fits,
// not across every admitting VMA.
func (m *Manager) Reserve(size, align uintptr, guard, wide, aslr bool) (Reservation, bool) {
	if size == 0 {
		return Reservation{}, false
	}
	size = mem.VRoundup(size)
	if align < mem.PGSIZE {
		align = mem.PGSIZE
	}
	need := reservedSize(size, guard, wide)

	m.mu.Lock()
	defer m.mu.Unlock()

	for n := m.head; n != nil; n = n.next {
		first := util.Roundup(uintptr(n.addr), align)
		regionEnd := uintptr(n.addr) + n.size
		if regionEnd < need {
			continue
		}
		last := util.Rounddown(regionEnd-need, align)
		if last < first {
			continue
		}
		slots := (last-first)/align + 1

		var k uintptr
		if aslr {
			k = uintptr(m.rng.Uint64() % uint64(slots))
		}
		base := mem.Va_t(first + k*align)
		off := uintptr(base - n.addr)
		m.carve(n, off, need)
		return Reservation{Base: base, Total: need}, true
	}
	return Reservation{}, false
}

// carve removes the [off, off+need) sub-range of n from the free list,
// leaving behind zero, one or two residual free nodes in its place.
func (m *Manager) carve(n *node, off, need uintptr) {
	before := off
	after := n.size - off - need

	switch {
	case before == 0 && after == 0:
		m.unlink(n)
	case before == 0:
		n.addr += mem.Va_t(off + need)
		n.size = after
	case after == 0:
		n.size = before
	default:
		n.size = before
		tail := &node{addr: n.addr + mem.Va_t(off+need), size: after, prev: n, next: n.next}
		if n.next != nil {
			n.next.prev = tail
		}
		n.next = tail
	}
}

func (m *Manager) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		m.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
}

// Retire marks r as no longer mapped. Retired ranges are never coalesced
// back into the free list; gc exists only to let a caller inspect what has
// been retired, and Reserve never searches it.
func (m *Manager) Retire(r Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc = append(m.gc, r)
}

// Split divides the free node starting at addr into [addr, addr+at) and
// [addr+at, addr+size). Exposed standalone so the free-list invariants can
// be exercised beyond what Reserve alone drives.
func (m *Manager) Split(addr mem.Va_t, at uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := m.head; n != nil; n = n.next {
		if n.addr == addr && at > 0 && at < n.size {
			tail := &node{addr: n.addr + mem.Va_t(at), size: n.size - at, prev: n, next: n.next}
			if n.next != nil {
				n.next.prev = tail
			}
			n.next = tail
			n.size = at
			return true
		}
	}
	return false
}

// Join merges two adjacent free nodes starting at addr and addr+size into
// one, the inverse of Split.
func (m *Manager) Join(addr mem.Va_t, size uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := m.head; n != nil; n = n.next {
		if n.addr == addr && n.size == size && n.next != nil && n.next.addr == addr+mem.Va_t(size) {
			n.size += n.next.size
			m.unlink(n.next)
			return true
		}
	}
	return false
}

// String renders the free list for diagnostics.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ""
	for n := m.head; n != nil; n = n.next {
		s += fmt.Sprintf("[%#x, %#x)\n", uintptr(n.addr), uintptr(n.addr)+n.size)
	}
	return s
}
