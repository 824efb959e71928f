//go:build unix

package patch

import (
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

func protectPages(addr, size uintptr, writable bool) error {
	prot := unix.PROT_EXEC | unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	for i := uintptr(0); i < length; i += pageSize {
		if err := unix.Mprotect(makeSlice(start+i, int(pageSize)), prot); err != nil {
			return err
		}
	}
	return nil
}
