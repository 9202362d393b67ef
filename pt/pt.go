// Package pt implements the 4-level x86-64 page-table manipulator: the
// component that installs and revokes the 4 KiB mappings the alias
// directory and VMA manager reason about. Level naming follows root-to-leaf
// P4 (PML4) -> P3 (PDPT) -> P2 (PD) -> P1 (PT, holding the actual page
// mappings), each level exactly one physical page of 512 64-bit entries.
package pt

import (
	"fmt"
	"io"

	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/platform"
)

const entries = 512

// indices splits a virtual address into its four level indices.
func indices(v mem.Va_t) (p4, p3, p2, p1 uint) {
	shl := func(level uint) uint { return 12 + 9*level }
	idx := func(level uint) uint { return (uint(v) >> shl(level)) & 0x1ff }
	return idx(3), idx(2), idx(1), idx(0)
}

// Space is one 4-level page-table hierarchy.
type Space struct {
	backing mem.Backing
	root    mem.Pa_t
	cr3     platform.CR3Cache
	nx      bool
}

// New allocates an empty Space with a fresh, zeroed root (PML4) table.
func New(backing mem.Backing, nx bool) *Space {
	root, ok := backing.Palloc(0)
	if !ok {
		panic("pt: New: out of backing memory for root table")
	}
	return &Space{backing: backing, root: root, nx: nx}
}

// Adopt wraps the live hierarchy whose root is currently loaded in CR3,
// reading the register through the single-CPU cache.
func Adopt(backing mem.Backing, nx bool) *Space {
	s := &Space{backing: backing, nx: nx}
	s.root = s.cr3.Read(false)
	return s
}

// Activate loads this Space's root table into CR3.
func (s *Space) Activate() { s.cr3.Switch(s.root, false) }

func (s *Space) table(pa mem.Pa_t) *mem.Table {
	return mem.DirectTable(s.backing, pa)
}

// next returns the table entries[idx] points to, allocating and linking a
// fresh zeroed one if the entry is not yet present. Intermediate links are
// Present+Writable only; the User bit is never set anywhere in the
// hierarchy.
func (s *Space) next(t *mem.Table, idx uint) *mem.Table {
	e := t[idx]
	if e&mem.PteP != 0 {
		return s.table(e & mem.PteAddr)
	}
	pa, ok := s.backing.Palloc(0)
	if !ok {
		panic("pt: next: out of backing memory for a page table")
	}
	t[idx] = mem.Entry(pa) | mem.PteP | mem.PteW
	return s.table(pa)
}

func mustPresent(t *mem.Table, idx uint, what string) {
	if t[idx]&mem.PteP == 0 {
		panic("pt: " + what + " entry absent")
	}
}

// Remap installs size bytes (rounded up to whole pages) of 4 KiB mappings
// so the range starting at page-aligned from becomes readable/writable
// through the virtual range starting at page-aligned to. It walks the
// hierarchy once, computing the four level indices from the address a
// single time and then advancing p1i with cascading wraparound into
// p2i/p3i/p4i, refetching a table only when its index crosses a 512-entry
// boundary. Re-rooting the walk per page costs roughly 8x as much over a
// long range. The advance stops short of the final page so no table beyond
// the mapped range is ever created.
//
// Mapping over an already-present entry, and running the backing allocator
// dry while growing the hierarchy, are both fatal.
func (s *Space) Remap(from mem.Pa_t, to mem.Va_t, size uintptr) {
	npages := mem.VRoundup(size) / mem.PGSIZE
	p4i, p3i, p2i, p1i := indices(to)

	p4 := s.table(s.root)
	p3 := s.next(p4, p4i)
	p2 := s.next(p3, p3i)
	p1 := s.next(p2, p2i)

	flags := mem.PteP | mem.PteW
	if s.nx {
		flags |= mem.PteNX
	}

	for i := uintptr(0); i < npages; i++ {
		if p1[p1i]&mem.PteP != 0 {
			panic(fmt.Sprintf("pt: Remap: %#x already mapped to %#x",
				uintptr(to)+i*mem.PGSIZE, uintptr(p1[p1i]&mem.PteAddr)))
		}
		p1[p1i] = mem.Entry(from) | flags
		from += mem.Pa_t(mem.PGSIZE)

		if i+1 == npages {
			break
		}
		p1i++
		if p1i != entries {
			continue
		}
		p1i = 0
		p2i++
		if p2i == entries {
			p2i = 0
			p3i++
			if p3i == entries {
				p3i = 0
				p4i++
				if p4i == entries {
					panic("pt: Remap: walked off the end of the address space")
				}
				p3 = s.next(p4, p4i)
			}
			p2 = s.next(p3, p3i)
		}
		p1 = s.next(p2, p2i)
	}
}

// Unmap clears size bytes (rounded up to whole pages) of mappings starting
// at page-aligned virt, issuing an INVLPG on each page's formerly mapped
// physical address as it is cleared, and reclaims P1 and P2 tables that
// become fully empty as a result. A P1 table is checked when the walk
// leaves it, either by crossing into the next one or by reaching the end
// of the range, and a P2 table when the walk crosses a 1 GiB boundary.
// P3 tables and the root are never reclaimed.
func (s *Space) Unmap(virt mem.Va_t, size uintptr) {
	npages := mem.VRoundup(size) / mem.PGSIZE
	p4i, p3i, p2i, p1i := indices(virt)

	p4 := s.table(s.root)
	mustPresent(p4, p4i, "Unmap: p4")
	p3 := s.table(p4[p4i] & mem.PteAddr)
	mustPresent(p3, p3i, "Unmap: p3")
	p2 := s.table(p3[p3i] & mem.PteAddr)
	mustPresent(p2, p2i, "Unmap: p2")
	p1 := s.table(p2[p2i] & mem.PteAddr)

	for i := uintptr(0); i < npages; i++ {
		mustPresent(p1, p1i, "Unmap: p1")
		phys := p1[p1i] & mem.PteAddr
		p1[p1i] = 0
		last := i+1 == npages

		p1i++
		if p1i == entries {
			p1i = 0
			s.reclaim(p2, p2i, p2[p2i]&mem.PteAddr)

			p2i++
			if p2i == entries {
				p2i = 0
				s.reclaim(p3, p3i, p3[p3i]&mem.PteAddr)

				p3i++
				if p3i == entries {
					p3i = 0
					p4i++
					if p4i == entries {
						panic("pt: Unmap: walked off the end of the address space")
					}
				}
				if !last {
					mustPresent(p4, p4i, "Unmap: p4")
					p3 = s.table(p4[p4i] & mem.PteAddr)
					mustPresent(p3, p3i, "Unmap: p3")
					p2 = s.table(p3[p3i] & mem.PteAddr)
				}
			}
			if !last {
				mustPresent(p2, p2i, "Unmap: p2")
				p1 = s.table(p2[p2i] & mem.PteAddr)
			}
		} else if last {
			s.reclaim(p2, p2i, p2[p2i]&mem.PteAddr)
		}

		// Flushed after any reclamation so table removals are covered by
		// the same invalidation.
		platform.Invlpg(mem.Va_t(phys))
	}
}

// reclaim frees the table at childPa and clears parent[idx], but only if
// every entry of that table is already clear.
func (s *Space) reclaim(parent *mem.Table, idx uint, childPa mem.Pa_t) {
	child := s.table(childPa)
	for _, e := range child {
		if e&mem.PteP != 0 {
			return
		}
	}
	parent[idx] = 0
	s.backing.Pfree(childPa, 0)
}

// Translate walks virt to its mapped physical address, also returning the
// raw leaf entry (for its flag bits) and whether a mapping exists at all.
func (s *Space) Translate(virt mem.Va_t) (mem.Pa_t, mem.Entry, bool) {
	p4i, p3i, p2i, p1i := indices(virt)

	p4 := s.table(s.root)
	if p4[p4i]&mem.PteP == 0 {
		return 0, 0, false
	}
	p3 := s.table(p4[p4i] & mem.PteAddr)
	if p3[p3i]&mem.PteP == 0 {
		return 0, 0, false
	}
	p2 := s.table(p3[p3i] & mem.PteAddr)
	if p2[p2i]&mem.PteP == 0 {
		return 0, 0, false
	}
	p1 := s.table(p2[p2i] & mem.PteAddr)
	e := p1[p1i]
	if e&mem.PteP == 0 {
		return 0, 0, false
	}
	return (e & mem.PteAddr) | mem.Pa_t(virt)&mem.PGOFFSET, e, true
}

// Print dumps every present mapping, four levels deep, for debugging.
// skipFirstGB omits everything under the first root entry, i.e. the low
// 512 GiB, which holds the identity-mapped low gigabyte, to keep the dump
// readable.
func (s *Space) Print(w io.Writer, skipFirstGB bool) {
	p4 := s.table(s.root)
	for i4, e4 := range p4 {
		if e4&mem.PteP == 0 {
			continue
		}
		if skipFirstGB && i4 == 0 {
			continue
		}
		fmt.Fprintf(w, "p4[%d] -> %#x\n", i4, uintptr(e4&mem.PteAddr))
		p3 := s.table(e4 & mem.PteAddr)
		for i3, e3 := range p3 {
			if e3&mem.PteP == 0 {
				continue
			}
			if e3&mem.PtePS != 0 {
				fmt.Fprintf(w, "  p3[%d] 1G page %#x\n", i3, uintptr(e3&mem.PteAddr))
				continue
			}
			fmt.Fprintf(w, "  p3[%d] -> %#x\n", i3, uintptr(e3&mem.PteAddr))
			p2 := s.table(e3 & mem.PteAddr)
			for i2, e2 := range p2 {
				if e2&mem.PteP == 0 {
					continue
				}
				if e2&mem.PtePS != 0 {
					fmt.Fprintf(w, "    p2[%d] 2M page %#x\n", i2, uintptr(e2&mem.PteAddr))
					continue
				}
				fmt.Fprintf(w, "    p2[%d] -> %#x\n", i2, uintptr(e2&mem.PteAddr))
				p1 := s.table(e2 & mem.PteAddr)
				for i1, e1 := range p1 {
					if e1&mem.PteP == 0 {
						continue
					}
					fmt.Fprintf(w, "      p1[%d] -> %#x %s\n", i1, uintptr(e1&mem.PteAddr), flagString(e1))
				}
			}
		}
	}
}

func flagString(e mem.Entry) string {
	f := ""
	if e&mem.PteW != 0 {
		f += "W"
	}
	if e&mem.PteU != 0 {
		f += "U"
	}
	if e&mem.PteNX != 0 {
		f += "N"
	}
	return f
}
