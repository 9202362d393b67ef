// Package platform isolates the x86 privileged primitives (CR3/CR4/MSR,
// INVLPG) the page-table manipulator needs, behind package-level
// overridable function variables. A real amd64 implementation lives behind
// the wilde_baremetal build tag; the default (hosted) build used for every
// test in this repo keeps enough software state to exercise the same call
// sequence without touching real control registers.
package platform

import (
	"fmt"
	"sync"

	"github.com/WorkOfArtiz/Wilde/mem"
)

// EferMSR is the Extended Feature Enable Register.
const EferMSR = 0xC0000080

// EferNXE is the no-execute-enable bit of EFER.
const EferNXE = 1 << 11

// CR4PGE is the global-page-enable bit of CR4.
const CR4PGE = 1 << 7

var (
	switchCR3Fn func(pa mem.Pa_t)
	readCR3Fn   func() mem.Pa_t
	invlpgFn    func(va mem.Va_t)
	readMSRFn   func(reg uint32) uint64
	writeMSRFn  func(reg uint32, val uint64)
	rcr4Fn      func() uint64
	wcr4Fn      func(v uint64)
)

// SwitchCR3 loads pa into CR3 unconditionally.
func SwitchCR3(pa mem.Pa_t) { switchCR3Fn(pa) }

// ReadCR3 reads the live top-level table address from CR3.
func ReadCR3() mem.Pa_t { return readCR3Fn() }

// Invlpg invalidates the single TLB entry mapping va.
func Invlpg(va mem.Va_t) { invlpgFn(va) }

// ReadMSR reads a model-specific register.
func ReadMSR(reg uint32) uint64 { return readMSRFn(reg) }

// WriteMSR writes a model-specific register.
func WriteMSR(reg uint32, val uint64) { writeMSRFn(reg, val) }

// RCR4 reads CR4.
func RCR4() uint64 { return rcr4Fn() }

// WCR4 writes CR4.
func WCR4(v uint64) { wcr4Fn(v) }

// EnableNX sets EFER.NXE so page-table entries carrying mem.PteNX are
// honoured by the MMU. Must run once at startup, before any NX mapping is
// installed.
func EnableNX() {
	v := ReadMSR(EferMSR)
	WriteMSR(EferMSR, v|EferNXE)
}

// CR3Cache is a single-CPU software copy of CR3. A reload of the
// already-resident top-level table is skipped unless the caller forces it,
// and reads return the cached value instead of touching the register
// unless the caller bypasses the cache for diagnostics. Valid because this
// system never switches address spaces behind the cache's back.
type CR3Cache struct {
	mu     sync.Mutex
	cached mem.Pa_t
	valid  bool
}

// Read returns the top-level table address, reading the register only when
// the cache is cold or bypass is set.
func (c *CR3Cache) Read(bypass bool) mem.Pa_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bypass || !c.valid {
		c.cached = ReadCR3()
		c.valid = true
	}
	return c.cached
}

// Switch loads pa into CR3, skipping the reload if pa is already the
// cached value and force is false.
func (c *CR3Cache) Switch(pa mem.Pa_t, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && c.valid && c.cached == pa {
		return
	}
	SwitchCR3(pa)
	c.cached = pa
	c.valid = true
}

// String renders the cache state for diagnostics.
func (c *CR3Cache) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return "cr3: <unset>"
	}
	return fmt.Sprintf("cr3: %#x", uintptr(c.cached))
}
