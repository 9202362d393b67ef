//go:build wilde_baremetal && amd64

package platform

import "github.com/WorkOfArtiz/Wilde/mem"

func init() {
	switchCR3Fn = func(pa mem.Pa_t) { asmSwitchCR3(pa) }
	readCR3Fn = asmReadCR3
	invlpgFn = func(va mem.Va_t) { asmInvlpg(va) }
	readMSRFn = asmReadMSR
	writeMSRFn = asmWriteMSR
	rcr4Fn = asmRCR4
	wcr4Fn = func(v uint64) { asmWCR4(v) }
}

// Implemented in baremetal_amd64.s. Valid only when this unikernel is
// running at ring 0 with direct control-register access.
func asmSwitchCR3(pa mem.Pa_t)
func asmReadCR3() mem.Pa_t
func asmInvlpg(va mem.Va_t)
func asmReadMSR(reg uint32) uint64
func asmWriteMSR(reg uint32, val uint64)
func asmRCR4() uint64
func asmWCR4(v uint64)
