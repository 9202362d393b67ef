package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostGuard revokes access to a range of host-mapped memory, making a
// freed allocation's quarantined backing pages something a hosted
// (non-baremetal) test process can actually fault on, rather than purely
// documentation. It has no effect on the real amd64 page tables pt.Space
// installs; it is only engaged when shim.Config.HostedGuardPages is set.
func HostGuard(addr unsafe.Pointer, length uintptr) error {
	b := unsafe.Slice((*byte)(addr), length)
	return unix.Mprotect(b, unix.PROT_NONE)
}

// HostUnguard restores read/write access to a range previously passed to
// HostGuard.
func HostUnguard(addr unsafe.Pointer, length uintptr) error {
	b := unsafe.Slice((*byte)(addr), length)
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}
