//go:build windows

package detourgo

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// x86-64 windows always uses 4KiB pages
const winPageSize = 0x1000

// clampReadable trims n so [addr, addr+n) does not run into a page that is
// not committed or not readable.
func clampReadable(addr uintptr, n int) int {
	end := addr + uintptr(n)
	var mbi windows.MemoryBasicInformation
	for pg := (addr + winPageSize) &^ uintptr(winPageSize-1); pg < end; pg += winPageSize {
		err := windows.VirtualQuery(pg, &mbi, unsafe.Sizeof(mbi))
		if err != nil || mbi.State != windows.MEM_COMMIT ||
			mbi.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return int(pg - addr)
		}
	}
	return n
}
