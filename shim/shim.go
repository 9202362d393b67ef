// Package shim assembles the allocator shim: the component every
// allocation and free call actually goes through, wiring the backing
// allocator, the VMA manager, the page-table manipulator and the alias
// directory behind one global lock. On allocation the backing memory is
// obtained first, then the mapping installed, then the directory entry
// written; on release the directory lookup comes first, then the unmap,
// then the directory removal, then the backing free.
package shim

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"unsafe"

	"github.com/WorkOfArtiz/Wilde/alias"
	"github.com/WorkOfArtiz/Wilde/buddy"
	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/platform"
	"github.com/WorkOfArtiz/Wilde/pt"
	"github.com/WorkOfArtiz/Wilde/util"
	"github.com/WorkOfArtiz/Wilde/vma"
)

// Config is the one immutable record of hardening toggles, consulted on
// every operation. There are no build variants; a Shim is exactly as
// paranoid as its Config says.
type Config struct {
	// PassThrough forwards every call straight to the backing allocator,
	// bypassing the aliasing engine entirely.
	PassThrough bool
	// GuardPage reserves a trailing unmapped page after each allocation
	// ("shaun").
	GuardPage bool
	// WideGuard reserves the allocation's own mapped size again, plus a
	// page, of trailing unmapped quarantine ("blacksheep").
	WideGuard bool
	// ASLR places each allocation at a random offset within the first
	// admitting VMA rather than at its start.
	ASLR bool
	// NX marks every mapping non-executable (requires EFER.NXE, set once
	// at New via platform.EnableNX).
	NX bool
	// InitFill writes InitFillValue over the visible alias range at
	// allocation time; Calloc blocks stay zeroed.
	InitFill      bool
	InitFillValue byte
	// Kellogs routes origin allocations through the size-classing
	// frontend (buddy.ClassFrontend) instead of the raw backing calls.
	Kellogs bool
	// HostedGuardPages makes Free quarantine the backing pages of the
	// allocation it releases with platform.HostGuard instead of releasing
	// them, so a hosted (non-baremetal) test process observes a real fault
	// on use-after-free through a stale direct-map pointer. Realloc and
	// Pfree still hand the old backing block back to the backing
	// allocator. Development/CI only.
	HostedGuardPages bool
	// AnnotateCallSites records the caller's PC for each live allocation,
	// surfaced by Dump.
	AnnotateCallSites bool
}

// frontend is the size-carrying shape both the raw backing calls and the
// kellogs size-classing frontend are adapted to.
type frontend interface {
	Malloc(size uintptr) (mem.Pa_t, bool)
	Calloc(nmemb, size uintptr) (mem.Pa_t, bool)
	Memalign(align, size uintptr) (mem.Pa_t, bool)
	Realloc(ptr mem.Pa_t, oldSize, newSize uintptr) (mem.Pa_t, bool)
	Free(ptr mem.Pa_t, size uintptr)
}

type rawFrontend struct{ b mem.Backing }

func (r rawFrontend) Malloc(size uintptr) (mem.Pa_t, bool)    { return r.b.Malloc(size) }
func (r rawFrontend) Calloc(n, size uintptr) (mem.Pa_t, bool) { return r.b.Calloc(n, size) }

// Memalign is satisfied trivially: every backing allocation already starts
// on a page boundary, and the alias the caller sees gets its alignment
// from the VMA reservation, not from the origin.
func (r rawFrontend) Memalign(align, size uintptr) (mem.Pa_t, bool) { return r.b.Malloc(size) }
func (r rawFrontend) Realloc(p mem.Pa_t, o, n uintptr) (mem.Pa_t, bool) {
	return r.b.Realloc(p, o, n)
}
func (r rawFrontend) Free(p mem.Pa_t, size uintptr) { r.b.Free(p, size) }

type kellogsFrontend struct{ c *buddy.ClassFrontend }

func (k kellogsFrontend) Malloc(size uintptr) (mem.Pa_t, bool)      { return k.c.Malloc(size) }
func (k kellogsFrontend) Calloc(n, size uintptr) (mem.Pa_t, bool)   { return k.c.Calloc(n, size) }
func (k kellogsFrontend) Memalign(a, size uintptr) (mem.Pa_t, bool) { return k.c.Memalign(a, size) }
func (k kellogsFrontend) Realloc(p mem.Pa_t, _, n uintptr) (mem.Pa_t, bool) {
	return k.c.Realloc(p, n)
}
func (k kellogsFrontend) Free(p mem.Pa_t, _ uintptr) { k.c.Free(p) }

// Shim is the assembled allocator: one global mutex guarding the backing
// allocator, the VMA manager, the page-table space and the alias
// directory. Every allocation or release failure other than freeing a nil
// pointer is fatal; a hardening shim that limps on after an invariant
// break would defeat itself. Addmem alone reports the backing allocator's
// error to its caller.
type Shim struct {
	mu      sync.Mutex
	cfg     Config
	backing mem.Backing
	front   frontend
	vm      *vma.Manager
	pt      *pt.Space
	ad      *alias.Directory

	reservations map[mem.Va_t]vma.Reservation
	passSizes    map[mem.Pa_t]uintptr
	callers      map[mem.Va_t]uintptr
}

// New assembles a Shim over backing, with the alias pool spanning
// [poolBase, poolBase+poolSize). rng may be nil to use the default PRNG.
func New(cfg Config, backing mem.Backing, poolBase mem.Va_t, poolSize uintptr, rng vma.Source) *Shim {
	space := pt.New(backing, cfg.NX)
	if cfg.NX {
		platform.EnableNX()
	}

	s := &Shim{
		cfg:          cfg,
		backing:      backing,
		vm:           vma.New(poolBase, poolSize, rng),
		pt:           space,
		ad:           alias.New(backing),
		reservations: make(map[mem.Va_t]vma.Reservation),
		passSizes:    make(map[mem.Pa_t]uintptr),
		callers:      make(map[mem.Va_t]uintptr),
	}
	if cfg.Kellogs {
		s.front = kellogsFrontend{buddy.NewClassFrontend(backing)}
	} else {
		s.front = rawFrontend{backing}
	}
	return s
}

// mapAndRegister publishes origin (size bytes) at a fresh alias: it carves
// a VMA admitting the page range the origin falls in, installs the
// page-table mapping, records the alias in the directory, and returns the
// alias carrying the origin's own in-page offset. Must be called with
// s.mu held.
func (s *Shim) mapAndRegister(origin mem.Pa_t, size, align uintptr) mem.Va_t {
	pageStart := mem.PageRounddown(origin)
	offset := uintptr(origin - pageStart)
	mapSize := uintptr(mem.PageRoundup(origin+mem.Pa_t(size)) - pageStart)

	r, ok := s.vm.Reserve(mapSize, align, s.cfg.GuardPage, s.cfg.WideGuard, s.cfg.ASLR)
	if !ok {
		panic(fmt.Sprintf("shim: no VMA admits %d bytes aligned to %d", mapSize, align))
	}
	s.pt.Remap(pageStart, r.Base, mapSize)
	va := r.Base + mem.Va_t(offset)
	s.ad.Register(origin, va, size)
	s.reservations[va] = r

	if s.cfg.InitFill {
		b := unsafe.Slice((*byte)(s.backing.DirectMap(origin)), size)
		for i := range b {
			b[i] = s.cfg.InitFillValue
		}
	}
	if s.cfg.AnnotateCallSites {
		if pc, _, _, ok := runtime.Caller(2); ok {
			s.callers[va] = pc
		}
	}
	return va
}

// mapRemove is the inverse: resolve va, tear down its page-table mapping,
// drop its directory entry and retire its reservation, returning the
// origin and recorded size. The caller decides what happens to the origin.
// Must be called with s.mu held.
func (s *Shim) mapRemove(va mem.Va_t) (origin mem.Pa_t, size uintptr, ok bool) {
	size, origin, ok = s.ad.Search(va)
	if !ok {
		return 0, 0, false
	}
	pageStart := mem.Va_t(mem.PageRounddown(mem.Pa_t(va)))
	mapSize := uintptr(mem.PageRoundup(mem.Pa_t(va)+mem.Pa_t(size)) - mem.Pa_t(pageStart))
	s.pt.Unmap(pageStart, mapSize)
	s.ad.Unregister(va)

	if r, found := s.reservations[va]; found {
		s.vm.Retire(r)
		delete(s.reservations, va)
	}
	delete(s.callers, va)
	return origin, size, true
}

// Malloc allocates size bytes and returns the alias address the caller
// should use. Backing exhaustion is fatal.
func (s *Shim) Malloc(size uintptr) mem.Va_t {
	if size == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.front.Malloc(size)
	if !ok {
		panic("shim: Malloc: backing allocator exhausted")
	}
	if s.cfg.PassThrough {
		s.passSizes[origin] = size
		return mem.Va_t(origin)
	}
	return s.mapAndRegister(origin, size, mem.PGSIZE)
}

// Calloc allocates a zeroed nmemb*size block.
func (s *Shim) Calloc(nmemb, size uintptr) mem.Va_t {
	total := nmemb * size
	if total == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.front.Calloc(nmemb, size)
	if !ok {
		panic("shim: Calloc: backing allocator exhausted")
	}
	if s.cfg.PassThrough {
		s.passSizes[origin] = total
		return mem.Va_t(origin)
	}
	va := s.mapAndRegister(origin, total, mem.PGSIZE)
	if s.cfg.InitFill {
		clear(unsafe.Slice((*byte)(s.backing.DirectMap(origin)), total))
	}
	return va
}

func (s *Shim) alignedAlloc(align, size uintptr) mem.Va_t {
	if size == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.front.Memalign(align, size)
	if !ok {
		panic("shim: AlignedAlloc: backing allocator exhausted")
	}
	if s.cfg.PassThrough {
		s.passSizes[origin] = size
		return mem.Va_t(origin)
	}
	return s.mapAndRegister(origin, size, util.Roundup(align, mem.PGSIZE))
}

// AlignedAlloc allocates size bytes whose alias is aligned to align.
func (s *Shim) AlignedAlloc(align, size uintptr) mem.Va_t {
	return s.alignedAlloc(align, size)
}

// PosixMemalign requires size to exceed align, or it crashes. Success is
// always 0.
func (s *Shim) PosixMemalign(memptr *mem.Va_t, align, size uintptr) int {
	if size <= align {
		panic("shim: PosixMemalign: size must exceed align")
	}
	*memptr = s.alignedAlloc(align, size)
	return 0
}

// Realloc resizes the allocation at va to newSize: the old alias is torn
// down, the backing realloc moves the origin, and the result is published
// at a fresh alias. The caller's old alias is permanently invalidated even
// when the backing block did not move. va == 0 is a fresh allocation;
// newSize == 0 is a free.
func (s *Shim) Realloc(va mem.Va_t, newSize uintptr) mem.Va_t {
	if va == 0 {
		return s.Malloc(newSize)
	}
	if newSize == 0 {
		s.Free(va)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.PassThrough {
		oldSize := s.passSizes[mem.Pa_t(va)]
		newOrigin, ok := s.front.Realloc(mem.Pa_t(va), oldSize, newSize)
		if !ok {
			panic("shim: Realloc: backing allocator exhausted")
		}
		delete(s.passSizes, mem.Pa_t(va))
		s.passSizes[newOrigin] = newSize
		return mem.Va_t(newOrigin)
	}

	origin, oldSize, ok := s.mapRemove(va)
	if !ok {
		panic(fmt.Sprintf("shim: Realloc: invalid free at %#x", uintptr(va)))
	}
	newOrigin, ok := s.front.Realloc(origin, oldSize, newSize)
	if !ok {
		panic("shim: Realloc: backing allocator exhausted")
	}
	return s.mapAndRegister(newOrigin, newSize, mem.PGSIZE)
}

// Free releases the allocation at va. A nil pointer is a silent no-op; any
// other pointer not currently live (a double free, an interior pointer, a
// fabricated address) is fatal.
func (s *Shim) Free(va mem.Va_t) {
	if va == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.PassThrough {
		pa := mem.Pa_t(va)
		size, ok := s.passSizes[pa]
		if !ok {
			panic(fmt.Sprintf("shim: invalid free at %#x", uintptr(va)))
		}
		delete(s.passSizes, pa)
		s.front.Free(pa, size)
		return
	}

	origin, size, ok := s.mapRemove(va)
	if !ok {
		panic(fmt.Sprintf("shim: invalid free at %#x", uintptr(va)))
	}

	if s.cfg.HostedGuardPages {
		pageStart := mem.PageRounddown(origin)
		span := uintptr(mem.PageRoundup(origin+mem.Pa_t(size)) - pageStart)
		_ = platform.HostGuard(s.backing.DirectMap(pageStart), span)
		return
	}
	s.front.Free(origin, size)
}

// Palloc allocates 2^order contiguous pages and publishes them at an alias
// aligned to the block size; page-granular allocations go through the
// aliasing engine like any other.
func (s *Shim) Palloc(order uint) mem.Va_t {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.backing.Palloc(order)
	if !ok {
		panic("shim: Palloc: backing allocator exhausted")
	}
	if s.cfg.PassThrough {
		return mem.Va_t(origin)
	}
	n := mem.PGSIZE << order
	return s.mapAndRegister(origin, n, n)
}

// Pfree releases a Palloc'd block via its alias.
func (s *Shim) Pfree(va mem.Va_t, order uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.PassThrough {
		s.backing.Pfree(mem.Pa_t(va), order)
		return
	}
	origin, _, ok := s.mapRemove(va)
	if !ok {
		panic(fmt.Sprintf("shim: invalid pfree at %#x", uintptr(va)))
	}
	s.backing.Pfree(origin, order)
}

// AvailableBytes reports free backing capacity.
func (s *Shim) AvailableBytes() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.AvailableBytes()
}

// Addmem grows the backing allocator with a fresh span of memory. It is
// purely growth: New takes an already constructed backing allocator and
// sets up the VMA manager, page tables and alias directory, and nothing
// registers the shim as a process-wide default.
func (s *Shim) Addmem(base mem.Pa_t, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Addmem(base, size)
}

// Dump writes the alias directory, the VMA free list and (if
// AnnotateCallSites is set) each live allocation's call site.
func (s *Shim) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ad.Dump(w)
	fmt.Fprint(w, s.vm.String())
	for va, pc := range s.callers {
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		fmt.Fprintf(w, "alias %#x allocated from %s\n", uintptr(va), name)
	}
}
