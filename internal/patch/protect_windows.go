//go:build windows

package patch

import (
	"golang.org/x/sys/windows"
)

func protectPages(addr, size uintptr, writable bool) error {
	prot := uint32(windows.PAGE_EXECUTE_READ)
	if writable {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	var old uint32
	return windows.VirtualProtect(addr, size, prot, &old)
}
