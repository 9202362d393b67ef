package buddy

import (
	"sync"
	"unsafe"

	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/util"
)

// ClassFrontend is the "kellogs" size-classing allocator layered on top of
// a mem.Backing's page-granular Palloc/Pfree. Each allocation gets a whole
// 2^order-page block, and the returned pointer is placed as close to the
// end of that block as size and alignment allow, so a small linear
// overflow runs off the end of the mapped region instead of silently
// corrupting an adjacent allocation.
//
// The buddy order is computed from the page count, order = Ceil(Log2(pages)),
// not from the rounded-up byte size, which would overshoot by a factor of
// the page size.
type ClassFrontend struct {
	mu      sync.Mutex
	backing mem.Backing
	live    map[mem.Pa_t]block
}

type block struct {
	base  mem.Pa_t
	order uint
	size  uintptr
}

// NewClassFrontend wraps a backing allocator with kellogs size-classing.
func NewClassFrontend(b mem.Backing) *ClassFrontend {
	return &ClassFrontend{backing: b, live: make(map[mem.Pa_t]block)}
}

// Memalign allocates size bytes aligned to align (which must be a power of
// two, or 0/1 for no alignment requirement beyond natural), placed near the
// end of its backing block.
func (c *ClassFrontend) Memalign(align, size uintptr) (mem.Pa_t, bool) {
	if size == 0 {
		return 0, false
	}
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	order := util.Log2Ceil(uint64(pages))

	base, ok := c.backing.Palloc(order)
	if !ok {
		return 0, false
	}
	blockSize := mem.Pa_t(uint(1)<<order) * mem.Pa_t(mem.PGSIZE)
	ptr := base + blockSize - mem.Pa_t(size)
	if align > 1 {
		ptr = mem.Pa_t(util.Rounddown(uintptr(ptr), align))
		if ptr < base {
			ptr = base
		}
	}

	c.mu.Lock()
	c.live[ptr] = block{base: base, order: order, size: size}
	c.mu.Unlock()
	return ptr, true
}

// Malloc allocates size bytes with natural alignment.
func (c *ClassFrontend) Malloc(size uintptr) (mem.Pa_t, bool) {
	return c.Memalign(1, size)
}

// Calloc allocates a zeroed nmemb*size block. Palloc already zeroes pages,
// so no extra clearing is required.
func (c *ClassFrontend) Calloc(nmemb, size uintptr) (mem.Pa_t, bool) {
	return c.Malloc(nmemb * size)
}

// Free releases a pointer previously returned by Malloc/Calloc/Memalign.
// Freeing an unknown pointer is an invariant violation.
func (c *ClassFrontend) Free(ptr mem.Pa_t) {
	if ptr == 0 {
		return
	}
	c.mu.Lock()
	b, ok := c.live[ptr]
	if ok {
		delete(c.live, ptr)
	}
	c.mu.Unlock()
	if !ok {
		panic("kellogs: free of unknown pointer")
	}
	c.backing.Pfree(b.base, b.order)
}

// Realloc resizes a kellogs-managed allocation. A nil pointer is a fresh
// allocation.
func (c *ClassFrontend) Realloc(ptr mem.Pa_t, newSize uintptr) (mem.Pa_t, bool) {
	if ptr == 0 {
		return c.Malloc(newSize)
	}
	if newSize == 0 {
		c.Free(ptr)
		return 0, true
	}

	c.mu.Lock()
	old, ok := c.live[ptr]
	c.mu.Unlock()
	if !ok {
		panic("kellogs: realloc of unknown pointer")
	}

	newPtr, ok := c.Malloc(newSize)
	if !ok {
		return 0, false
	}
	n := util.Min(old.size, newSize)
	dst := c.backing.DirectMap(newPtr)
	src := c.backing.DirectMap(ptr)
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
	c.Free(ptr)
	return newPtr, true
}
