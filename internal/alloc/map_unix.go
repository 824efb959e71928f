//go:build unix

package alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type osMapper struct{}

func (osMapper) Map(hint uintptr, size int) (uintptr, []byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), prot, flags)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(ptr), unsafe.Slice((*byte)(ptr), size), nil
}

func (osMapper) Unmap(base uintptr, mem []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(base), uintptr(len(mem)))
}

func (osMapper) Protect(_ uintptr, mem []byte, writable bool) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(mem, prot)
}
