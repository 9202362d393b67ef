// Package mem defines the address types and page-table-entry bit layout
// shared by the page-table manipulator, the alias directory and the VMA
// manager, plus the narrow interface consumed from the (out of scope)
// backing physical page allocator.
package mem

import "unsafe"

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE uintptr = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Pa_t = Pa_t(PGSIZE) - 1

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// PteP marks a page-table entry present.
const PteP Pa_t = 1 << 0

// PteW marks a page-table entry writable.
const PteW Pa_t = 1 << 1

// PteU marks a page-table entry user-accessible. The core never sets it;
// every mapping it installs is kernel-only, matching a single-address-space
// unikernel with no user/kernel split.
const PteU Pa_t = 1 << 2

// PtePS marks a large (2 MiB/1 GiB) page at levels P2/P3. The core never
// installs it (aliases are always 4 KiB) but recognises it when walking
// existing tables so a huge page is not misparsed as a missing entry.
const PtePS Pa_t = 1 << 7

// PteNX marks a page-table entry non-executable. Only meaningful once
// EFER.NXE has been set at init; see platform.EnableNX.
const PteNX Pa_t = 1 << 63

// PteAddr extracts the physical frame address bits (12..51) of an entry.
const PteAddr Pa_t = PGMASK & (1<<52 - 1)

// Pa_t is a physical address.
type Pa_t uintptr

// Va_t is a virtual address in the alias pool or the identity-mapped low
// gigabyte.
type Va_t uintptr

// PageRounddown rounds a physical address down to the containing page.
func PageRounddown(p Pa_t) Pa_t {
	return p &^ PGOFFSET
}

// PageRoundup rounds a physical address up to the next page boundary.
func PageRoundup(p Pa_t) Pa_t {
	return PageRounddown(p + Pa_t(PGSIZE) - 1)
}

// VRoundup rounds a byte length up to a whole number of pages.
func VRoundup(n uintptr) uintptr {
	return (n + PGSIZE - 1) &^ (PGSIZE - 1)
}

// Entry is a single 64-bit page-table entry/word.
type Entry = Pa_t

// Table is one level of the 4-level hierarchy: 512 64-bit entries, exactly
// one physical page.
type Table [512]Entry

// IdentityLimit is the size of the low, identity-mapped region that owns
// every origin address handed to the aliasing engine.
const IdentityLimit Pa_t = 1 << 30

// Backing is the narrow interface the allocator shim, the page-table
// manipulator and the alias/VMA entry slabs consume from the backing
// physical allocator. Package buddy supplies the one concrete, testable
// implementation used throughout this repo.
type Backing interface {
	// Palloc returns a zeroed, page-aligned physical address to 2^order
	// contiguous pages, or ok=false on exhaustion.
	Palloc(order uint) (pa Pa_t, ok bool)
	// Pfree returns a palloc'd block to the backing allocator.
	Pfree(pa Pa_t, order uint)

	// Malloc/Calloc/Realloc/Free are the byte-granular backing calls the
	// shim forwards to after alias bookkeeping.
	Malloc(size uintptr) (pa Pa_t, ok bool)
	Calloc(nmemb, size uintptr) (pa Pa_t, ok bool)
	Realloc(pa Pa_t, oldSize, newSize uintptr) (newPa Pa_t, ok bool)
	Free(pa Pa_t, size uintptr)

	// Addmem grows the backing allocator with a fresh span of identity
	// mapped physical memory.
	Addmem(base Pa_t, size uintptr) error
	// AvailableBytes reports free backing capacity.
	AvailableBytes() uintptr

	// DirectMap returns a Go pointer to the byte that backs pa, a window
	// into the identity-mapped region. Only valid for addresses below
	// IdentityLimit.
	DirectMap(pa Pa_t) unsafe.Pointer
}

// DirectTable reads the Table rooted at pa through the Backing's direct map.
func DirectTable(b Backing, pa Pa_t) *Table {
	return (*Table)(b.DirectMap(pa))
}
