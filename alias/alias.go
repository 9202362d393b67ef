// Package alias implements the alias directory (AD): the lookup structure
// mapping a live alias (a virtual address the shim handed out) back to its
// origin (the physical address it is standing in for) and size, so a later
// free can locate and revoke the mapping it created.
package alias

import (
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/WorkOfArtiz/Wilde/mem"
)

// numBuckets is the fixed bucket count. Power of two.
const numBuckets = 8192

// entry is one directory record, intrusively chained within its bucket.
// Entries are drawn from a freelist refilled one backing page at a time
// rather than allocated individually; the directory cannot recurse into
// the allocator it serves.
type entry struct {
	next   *entry
	alias  mem.Va_t
	size   uintptr
	origin mem.Pa_t
}

// hashAddress is a splitmix64-style finalizer: two multiply-xorshift
// rounds and a final xorshift. Aliases are at least page-aligned, so the
// raw low bits alone would cluster badly.
func hashAddress(addr mem.Va_t) uint64 {
	x := uint64(addr)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func bucketFor(addr mem.Va_t) uint64 {
	return hashAddress(addr) % numBuckets
}

// Directory is the alias lookup table. It carries its own mutex so it
// remains safe to use and test standalone; in the assembled shim it sits
// behind that component's single global lock as well.
type Directory struct {
	mu      sync.Mutex
	backing mem.Backing
	buckets [numBuckets]*entry
	free    *entry
}

// New creates an empty Directory drawing its entry slab from backing.
func New(backing mem.Backing) *Directory {
	return &Directory{backing: backing}
}

// refill claims one backing page and slices it into fresh freelist entries.
func (d *Directory) refill() bool {
	pa, ok := d.backing.Palloc(0)
	if !ok {
		return false
	}
	n := uintptr(mem.PGSIZE) / unsafe.Sizeof(entry{})
	base := (*entry)(d.backing.DirectMap(pa))
	slab := unsafe.Slice(base, n)
	for i := range slab {
		slab[i].next = d.free
		d.free = &slab[i]
	}
	return true
}

// Register records that alias (size bytes) stands in for origin. It
// panics if the new range, rounded up to page granularity, overlaps an
// existing entry in the same bucket.
func (d *Directory) Register(origin mem.Pa_t, alias mem.Va_t, size uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	newEnd := mem.Va_t(mem.PageRoundup(mem.Pa_t(alias) + mem.Pa_t(size)))
	b := bucketFor(alias)
	for e := d.buckets[b]; e != nil; e = e.next {
		existEnd := mem.Va_t(mem.PageRoundup(mem.Pa_t(e.alias) + mem.Pa_t(e.size)))
		if e.alias <= newEnd && alias <= existEnd {
			panic("alias: Register: overlapping alias range")
		}
	}

	if d.free == nil && !d.refill() {
		panic("alias: Register: out of backing memory for directory entries")
	}
	e := d.free
	d.free = e.next
	e.alias, e.size, e.origin = alias, size, origin
	e.next = d.buckets[b]
	d.buckets[b] = e
}

// Unregister removes the entry keyed by the exact alias address, returning
// whether it was found. The freed entry returns to the directory's own
// freelist, not to the backing allocator.
func (d *Directory) Unregister(alias mem.Va_t) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := bucketFor(alias)
	var prev *entry
	for e := d.buckets[b]; e != nil; e = e.next {
		if e.alias == alias {
			if prev == nil {
				d.buckets[b] = e.next
			} else {
				prev.next = e.next
			}
			e.next = d.free
			d.free = e
			return true
		}
		prev = e
	}
	return false
}

// Search resolves alias to its registered size and origin.
func (d *Directory) Search(alias mem.Va_t) (size uintptr, origin mem.Pa_t, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := bucketFor(alias)
	for e := d.buckets[b]; e != nil; e = e.next {
		if e.alias == alias {
			return e.size, e.origin, true
		}
	}
	return 0, 0, false
}

// Dump writes every live entry, bucket by bucket, for diagnostics.
func (d *Directory) Dump(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for b, head := range d.buckets {
		for e := head; e != nil; e = e.next {
			fmt.Fprintf(w, "bucket %4d: alias=%#x size=%#x origin=%#x\n",
				b, uintptr(e.alias), e.size, uintptr(e.origin))
		}
	}
}
