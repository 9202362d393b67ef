package platform

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/WorkOfArtiz/Wilde/mem"
)

func TestCR3CacheSkipsRedundantReload(t *testing.T) {
	var calls int
	prev := switchCR3Fn
	defer func() { switchCR3Fn = prev }()
	switchCR3Fn = func(pa mem.Pa_t) { calls++ }

	var c CR3Cache
	c.Switch(0x1000, false)
	c.Switch(0x1000, false)
	if calls != 1 {
		t.Fatalf("expected 1 reload, got %d", calls)
	}
	c.Switch(0x1000, true)
	if calls != 2 {
		t.Fatalf("expected forced reload to count, got %d", calls)
	}
	c.Switch(0x2000, false)
	if calls != 3 {
		t.Fatalf("expected reload on address change, got %d", calls)
	}
}

func TestCR3CacheReadUsesCacheUnlessBypassed(t *testing.T) {
	var reads int
	prev := readCR3Fn
	defer func() { readCR3Fn = prev }()
	readCR3Fn = func() mem.Pa_t { reads++; return 0x3000 }

	var c CR3Cache
	if got := c.Read(false); got != 0x3000 {
		t.Fatalf("Read: got %#x", uintptr(got))
	}
	c.Read(false)
	if reads != 1 {
		t.Fatalf("expected 1 register read, got %d", reads)
	}
	c.Read(true)
	if reads != 2 {
		t.Fatalf("expected bypass to hit the register, got %d reads", reads)
	}
}

func TestEnableNXSetsBit(t *testing.T) {
	WriteMSR(EferMSR, 0)
	EnableNX()
	if ReadMSR(EferMSR)&EferNXE == 0 {
		t.Fatalf("EnableNX did not set NXE")
	}
}

func TestHostUnguardRestoresAccess(t *testing.T) {
	b, err := unix.Mmap(-1, 0, int(mem.PGSIZE), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(b)

	addr := unsafe.Pointer(&b[0])
	if err := HostGuard(addr, mem.PGSIZE); err != nil {
		t.Fatalf("HostGuard: %v", err)
	}
	if err := HostUnguard(addr, mem.PGSIZE); err != nil {
		t.Fatalf("HostUnguard: %v", err)
	}
	b[0] = 1
}
