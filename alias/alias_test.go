package alias

import (
	"strings"
	"testing"

	"github.com/WorkOfArtiz/Wilde/buddy"
	"github.com/WorkOfArtiz/Wilde/mem"
)

func newTestDirectory(t *testing.T) (*Directory, *buddy.Arena) {
	t.Helper()
	a, err := buddy.NewArena(1 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return New(a), a
}

func TestRegisterSearchUnregister(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	d.Register(0x500000, 0x1000, 4096)
	size, origin, ok := d.Search(0x1000)
	if !ok {
		t.Fatalf("Search: not found")
	}
	if size != 4096 || origin != 0x500000 {
		t.Fatalf("Search: got size=%d origin=%#x", size, origin)
	}

	if !d.Unregister(0x1000) {
		t.Fatalf("Unregister: not found")
	}
	if _, _, ok := d.Search(0x1000); ok {
		t.Fatalf("Search succeeded after Unregister")
	}
}

func TestRegisterSearchUnregisterLifecycle(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	// A high alias-pool address with an unaligned size, the shape the
	// shim actually feeds the directory.
	const origin, va, size = 0x100000, mem.Va_t(0x40000000000), 20
	d.Register(origin, va, size)

	gotSize, gotOrigin, ok := d.Search(va)
	if !ok || gotOrigin != origin || gotSize != size {
		t.Fatalf("Search: got (%#x, %d, %v) want (%#x, %d, true)", gotOrigin, gotSize, ok, origin, size)
	}
	if !d.Unregister(va) {
		t.Fatalf("Unregister failed")
	}
	if _, _, ok := d.Search(va); ok {
		t.Fatalf("Search succeeded after Unregister")
	}
}

func TestUnregisterUnknownReturnsFalse(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()
	if d.Unregister(0xdead000) {
		t.Fatalf("Unregister of unknown alias returned true")
	}
}

func TestSearchIsExactMatchOnly(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	d.Register(0xA000, 0x9000, 4096)
	// An interior pointer must not resolve; the free-only-the-returned-
	// pointer contract depends on it.
	if _, _, ok := d.Search(0x9008); ok {
		t.Fatalf("Search resolved an interior pointer")
	}
}

func TestRegisterOverlapPanics(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	d.Register(0xA000, 0x10000, 4096)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overlapping register")
		}
	}()
	d.Register(0xB000, 0x10000, 4096)
}

func TestDumpListsEntries(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	d.Register(0x700000, 0x2000, 4096)
	var buf strings.Builder
	d.Dump(&buf)
	if !strings.Contains(buf.String(), "0x2000") {
		t.Fatalf("Dump missing entry: %s", buf.String())
	}
}

func TestHashSpreadsPageAlignedAliases(t *testing.T) {
	// Page-aligned addresses all share zero low bits; the splitmix
	// finisher has to spread them anyway.
	buckets := map[uint64]bool{}
	for i := 0; i < 256; i++ {
		buckets[bucketFor(mem.Va_t(0x40000000000+i*4096))] = true
	}
	if len(buckets) < 200 {
		t.Fatalf("hash clusters page-aligned aliases: %d distinct buckets of 256", len(buckets))
	}
}

func TestRefillAcrossManyEntries(t *testing.T) {
	d, a := newTestDirectory(t)
	defer a.Close()

	// Force at least one freelist refill by registering more entries
	// than fit in a single backing page.
	n := int(mem.PGSIZE)/32 + 16
	for i := 0; i < n; i++ {
		d.Register(mem.Pa_t(i*4096), mem.Va_t(0x10_0000+i*4096), 4096)
	}
	for i := 0; i < n; i++ {
		if _, _, ok := d.Search(mem.Va_t(0x10_0000 + i*4096)); !ok {
			t.Fatalf("entry %d missing after refill", i)
		}
	}
}
