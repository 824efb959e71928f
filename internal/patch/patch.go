// Package patch overwrites live code with redirect instructions and restores
// it, in a way concurrent instruction fetch observes as all-old or all-new.
package patch

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrPatchWrite means the patch site's pages could not be made writable or
// re-protected.
var ErrPatchWrite = errors.New("cannot write patch site")

// Apply overwrites len(b) bytes at target with b and returns the previous
// bytes. The caller must have established quiescence for the range; Apply
// itself only guarantees that the first opcode byte is written last, so a
// thread fetching from target sees the old head or the complete redirect,
// never operands without their opcode.
func Apply(target uintptr, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrPatchWrite, "empty patch")
	}
	window := makeSlice(target, len(b))
	orig := make([]byte, len(b))
	copy(orig, window)

	if err := protectPages(target, uintptr(len(b)), true); err != nil {
		return nil, errors.Wrapf(ErrPatchWrite, "unprotect %#x: %v", target, err)
	}
	stagedCopy(window, b)
	if err := protectPages(target, uintptr(len(b)), false); err != nil {
		// leave the site byte-identical to its pre-patch state before
		// reporting failure
		stagedCopy(window, orig)
		return nil, errors.Wrapf(ErrPatchWrite, "reprotect %#x: %v", target, err)
	}
	return orig, nil
}

// Restore writes the archived original bytes back over a patch site.
func Restore(target uintptr, orig []byte) error {
	_, err := Apply(target, orig)
	return err
}

// stagedCopy writes src over dst with the first byte last. On x86 a single
// byte store cannot tear, so the redirect's opcode byte flips the site from
// fully-old to fully-new in one step once the operands are pre-staged.
func stagedCopy(dst, src []byte) {
	copy(dst[1:], src[1:])
	dst[0] = src[0]
}

func makeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
