//go:build !wilde_baremetal

package platform

import "github.com/WorkOfArtiz/Wilde/mem"

// The hosted backend has no real CR3/CR4/MSR to touch. It keeps enough
// software state for the rest of the tree (pt, shim, and their tests) to
// exercise the exact same call sequence a baremetal build would take;
// HostGuard supplies the real, observable enforcement (mprotect) that
// tests actually assert against.
var (
	hostedMSRs = map[uint32]uint64{}
	hostedCR4  = uint64(CR4PGE)
	hostedCR3  mem.Pa_t
)

func init() {
	switchCR3Fn = func(pa mem.Pa_t) { hostedCR3 = pa }
	readCR3Fn = func() mem.Pa_t { return hostedCR3 }
	invlpgFn = func(va mem.Va_t) {}
	readMSRFn = func(reg uint32) uint64 { return hostedMSRs[reg] }
	writeMSRFn = func(reg uint32, val uint64) { hostedMSRs[reg] = val }
	rcr4Fn = func() uint64 { return hostedCR4 }
	wcr4Fn = func(v uint64) { hostedCR4 = v }
}
