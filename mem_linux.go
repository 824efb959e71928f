//go:build linux

package detourgo

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// clampReadable trims n so [addr, addr+n) does not run into an unmapped
// page. The page holding addr itself is assumed mapped; mincore reports
// ENOMEM for pages with no mapping at all.
func clampReadable(addr uintptr, n int) int {
	ps := uintptr(unix.Getpagesize())
	vec := make([]byte, 1)
	end := addr + uintptr(n)
	for pg := (addr + ps) &^ (ps - 1); pg < end; pg += ps {
		if _, _, errno := unix.Syscall(unix.SYS_MINCORE, pg, ps,
			uintptr(unsafe.Pointer(&vec[0]))); errno != 0 {
			return int(pg - addr)
		}
	}
	return n
}
