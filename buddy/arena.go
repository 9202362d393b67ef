// Package buddy provides a binary-buddy physical page allocator over a
// real anonymous mmap arena. It is the one concrete implementation of
// mem.Backing in this repository: the page-table manipulator, the alias
// directory and the VMA manager never depend on it directly, only on the
// narrow mem.Backing interface.
package buddy

import (
	"fmt"
	"unsafe"

	"sync"

	"golang.org/x/sys/unix"

	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/util"
)

// MaxOrder bounds the largest contiguous block a single Arena segment will
// ever hand out: 2^MaxOrder pages (1 GiB at a 4 KiB page size), matching
// mem.IdentityLimit.
const MaxOrder = 18

// segment is one contiguous mmap'd span backing the arena. Addmem appends
// a new segment rather than growing an existing one, since the backing
// bytes of a live unix.Mmap region cannot be relocated.
//
// order/next/free are index-chained free lists: a parallel metadata array
// rather than an intrusive pointer stored inside the page bytes, one free
// list per buddy order.
type segment struct {
	base  mem.Pa_t
	bytes []byte
	pages uint

	order []int8  // order+0 if a free block head at that order, -1 otherwise
	next  []int64 // free-list link, meaningful only when order[idx] >= 0
	free  [MaxOrder + 1]int64
}

func newSegment(base mem.Pa_t, bytes []byte) *segment {
	pages := uint(len(bytes)) / uint(mem.PGSIZE)
	s := &segment{
		base:  base,
		bytes: bytes,
		pages: pages,
		order: make([]int8, pages),
		next:  make([]int64, pages),
	}
	for o := range s.free {
		s.free[o] = -1
	}
	for i := range s.order {
		s.order[i] = -1
	}

	var idx uint
	remaining := pages
	for remaining > 0 {
		o := uint(0)
		for o < MaxOrder && (uint(1)<<(o+1)) <= remaining && idx%(uint(1)<<(o+1)) == 0 {
			o++
		}
		s.pushFree(o, int64(idx))
		idx += uint(1) << o
		remaining -= uint(1) << o
	}
	return s
}

func (s *segment) pushFree(order uint, idx int64) {
	s.order[idx] = int8(order)
	s.next[idx] = s.free[order]
	s.free[order] = idx
}

func (s *segment) popHead(order uint) int64 {
	idx := s.free[order]
	if idx == -1 {
		return -1
	}
	s.free[order] = s.next[idx]
	s.order[idx] = -1
	return idx
}

// removeFromFree unlinks idx from the order free list; idx must be present.
func (s *segment) removeFromFree(order uint, idx int64) {
	cur := s.free[order]
	if cur == idx {
		s.free[order] = s.next[idx]
		s.order[idx] = -1
		return
	}
	for cur != -1 {
		nxt := s.next[cur]
		if nxt == idx {
			s.next[cur] = s.next[idx]
			s.order[idx] = -1
			return
		}
		cur = nxt
	}
	panic("buddy: removeFromFree: idx not in free list")
}

func (s *segment) contains(pa mem.Pa_t) bool {
	return pa >= s.base && pa < s.base+mem.Pa_t(uint(s.pages)*uint(mem.PGSIZE))
}

func (s *segment) pageIndex(pa mem.Pa_t) int64 {
	return int64((pa - s.base) / mem.Pa_t(mem.PGSIZE))
}

// Arena is a binary-buddy allocator implementing mem.Backing over one or
// more anonymous mmap segments.
type Arena struct {
	mu   sync.Mutex
	segs []*segment
	used uint64
}

// NewArena creates an Arena with one initial segment of at least sizeBytes,
// rounded up to a whole number of pages.
func NewArena(sizeBytes uintptr) (*Arena, error) {
	a := &Arena{}
	if err := a.Addmem(0, sizeBytes); err != nil {
		return nil, err
	}
	return a, nil
}

// Addmem mmaps a fresh anonymous span and appends it as a new segment. The
// base argument is advisory (this is a hosted stand-in for a physical
// allocator); the segment's real addressing is the mmap'd virtual address.
func (a *Arena) Addmem(_ mem.Pa_t, size uintptr) error {
	size = mem.VRoundup(size)
	if size == 0 {
		return fmt.Errorf("buddy: Addmem: zero size")
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("buddy: mmap %d bytes: %w", size, err)
	}
	base := mem.Pa_t(uintptr(unsafe.Pointer(&b[0])))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.segs = append(a.segs, newSegment(base, b))
	return nil
}

// Close unmaps every segment. Not part of mem.Backing; for test/demo cleanup.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, s := range a.segs {
		if err := unix.Munmap(s.bytes); err != nil && first == nil {
			first = err
		}
	}
	a.segs = nil
	return first
}

func (a *Arena) findSegment(pa mem.Pa_t) *segment {
	for _, s := range a.segs {
		if s.contains(pa) {
			return s
		}
	}
	return nil
}

func (a *Arena) zero(s *segment, idx int64, order uint) {
	n := (uint(1) << order) * uint(mem.PGSIZE)
	off := uint(idx) * uint(mem.PGSIZE)
	b := s.bytes[off : off+n]
	for i := range b {
		b[i] = 0
	}
}

// Palloc implements mem.Backing.
func (a *Arena) Palloc(order uint) (mem.Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.segs {
		o := order
		for o <= MaxOrder && s.free[o] == -1 {
			o++
		}
		if o > MaxOrder {
			continue
		}
		idx := s.popHead(o)
		for o > order {
			o--
			s.pushFree(o, idx+int64(uint(1)<<o))
		}
		a.zero(s, idx, order)
		a.used += uint64(1) << order
		return s.base + mem.Pa_t(uint(idx)*uint(mem.PGSIZE)), true
	}
	return 0, false
}

// Pfree implements mem.Backing.
func (a *Arena) Pfree(pa mem.Pa_t, order uint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.findSegment(pa)
	if s == nil {
		panic("buddy: Pfree: address not in any segment")
	}
	a.used -= uint64(1) << order

	idx := s.pageIndex(pa)
	for order < MaxOrder {
		buddy := idx ^ (1 << order)
		if buddy < 0 || uint(buddy) >= s.pages || s.order[buddy] != int8(order) {
			break
		}
		s.removeFromFree(order, buddy)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	s.pushFree(order, idx)
}

func sizeToOrder(size uintptr) uint {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	if pages < 1 {
		pages = 1
	}
	return util.Log2Ceil(uint64(pages))
}

// Malloc implements mem.Backing: a byte-granular allocation rounded up to
// the containing buddy order. Returned memory is zeroed (Palloc zeroes).
func (a *Arena) Malloc(size uintptr) (mem.Pa_t, bool) {
	if size == 0 {
		return 0, false
	}
	return a.Palloc(sizeToOrder(size))
}

// Calloc implements mem.Backing.
func (a *Arena) Calloc(nmemb, size uintptr) (mem.Pa_t, bool) {
	return a.Malloc(nmemb * size)
}

// Free implements mem.Backing.
func (a *Arena) Free(pa mem.Pa_t, size uintptr) {
	if pa == 0 {
		return
	}
	a.Pfree(pa, sizeToOrder(size))
}

// Realloc implements mem.Backing. There is no in-place growth: a fresh
// block is allocated, the overlapping prefix copied, and the old block
// freed, mirroring the copying fallback every buddy allocator needs once
// an allocation must cross into a different size class.
func (a *Arena) Realloc(pa mem.Pa_t, oldSize, newSize uintptr) (mem.Pa_t, bool) {
	if pa == 0 {
		return a.Malloc(newSize)
	}
	if newSize == 0 {
		a.Free(pa, oldSize)
		return 0, true
	}
	newPa, ok := a.Malloc(newSize)
	if !ok {
		return 0, false
	}
	n := util.Min(oldSize, newSize)
	dst := a.DirectMap(newPa)
	src := a.DirectMap(pa)
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
	a.Free(pa, oldSize)
	return newPa, true
}

// AvailableBytes implements mem.Backing.
func (a *Arena) AvailableBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, s := range a.segs {
		total += uint64(s.pages)
	}
	return uintptr((total - a.used) * uint64(mem.PGSIZE))
}

// DirectMap implements mem.Backing. pa may point anywhere inside a
// segment, not just at a page boundary; the kellogs frontend hands out
// mid-page addresses.
func (a *Arena) DirectMap(pa mem.Pa_t) unsafe.Pointer {
	a.mu.Lock()
	s := a.findSegment(pa)
	a.mu.Unlock()
	if s == nil {
		panic("buddy: DirectMap: address not in any segment")
	}
	return unsafe.Pointer(&s.bytes[pa-s.base])
}

var _ mem.Backing = (*Arena)(nil)
