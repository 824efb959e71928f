package detourgo

import (
	"unsafe"

	"github.com/pkg/errors"
)

// makeSlice views n bytes of process memory at addr as a slice.
func makeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// codeReader reads bytes of the target's prologue. Tests substitute a fake
// backed by a byte image.
type codeReader interface {
	ReadCode(addr uintptr, n int) ([]byte, error)
}

type rawReader struct{}

// ReadCode copies up to n bytes starting at addr, stopping early at the
// first unmapped page so a target near the end of its text segment yields a
// short window instead of a fault. The decoder turns a short window into an
// explicit error.
func (rawReader) ReadCode(addr uintptr, n int) ([]byte, error) {
	n = clampReadable(addr, n)
	if n <= 0 {
		return nil, errors.Errorf("no readable bytes at %#x", addr)
	}
	out := make([]byte, n)
	copy(out, makeSlice(addr, n))
	return out, nil
}
