//go:build windows

package alloc

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type osMapper struct{}

func (osMapper) Map(hint uintptr, size int) (uintptr, []byte, error) {
	base, err := windows.VirtualAlloc(hint, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil && hint != 0 {
		// the hint range may be occupied, let the kernel choose
		base, err = windows.VirtualAlloc(0, uintptr(size),
			windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	}
	if err != nil {
		return 0, nil, err
	}
	return base, unsafe.Slice((*byte)(unsafe.Pointer(base)), size), nil
}

func (osMapper) Unmap(base uintptr, _ []byte) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}

func (osMapper) Protect(addr uintptr, mem []byte, writable bool) error {
	prot := uint32(windows.PAGE_EXECUTE_READ)
	if writable {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	var old uint32
	return windows.VirtualProtect(addr, uintptr(len(mem)), prot, &old)
}
