// Package tramp builds trampolines: relocated copies of a function prologue
// followed by a jump back into the unmodified remainder of the function.
package tramp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/detourgo/internal/decoder"
)

// ErrUnrelocatable means an instruction's address-dependent operand cannot be
// rewritten for the trampoline's location.
var ErrUnrelocatable = errors.New("unrelocatable instruction")

// Build emits the trampoline body for insts, which were decoded at srcAddr
// and will execute at dstAddr. The body is prologue, then the relocated
// instructions, then an unconditional jump to resumeAddr. The returned bytes
// are position dependent: they are only valid when placed at dstAddr.
func Build(insts []decoder.Instruction, srcAddr, dstAddr, resumeAddr uintptr, prologue []byte) ([]byte, error) {
	out := append([]byte(nil), prologue...)
	for _, in := range insts {
		origAddr := srcAddr + uintptr(in.Offset)
		newAddr := dstAddr + uintptr(len(out))
		switch in.Reloc {
		case decoder.RelocNone:
			out = append(out, in.Bytes...)
		case decoder.RelocBranch:
			enc, err := relocateBranch(in, origAddr, newAddr)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		case decoder.RelocRIPRel:
			enc, err := relocateRIPRel(in, origAddr, newAddr)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
	}
	tail := dstAddr + uintptr(len(out))
	if InRel32Range(tail, resumeAddr) {
		out = append(out, JmpRel32(tail, resumeAddr)...)
	} else {
		out = append(out, JmpAbs(resumeAddr)...)
	}
	return out, nil
}

// relocateBranch rewrites a relative branch so it still reaches its original
// target from newAddr. Short forms are widened to rel32; unconditional
// JMP/CALL beyond rel32 range fall back to absolute long forms.
func relocateBranch(in decoder.Instruction, origAddr, newAddr uintptr) ([]byte, error) {
	rel, ok := branchRel(in.Inst)
	if !ok {
		return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x has no relative operand", in.Inst.Op, origAddr)
	}
	target := uintptr(int64(origAddr) + int64(in.Len) + int64(rel))
	b := in.Bytes

	switch {
	case b[0] == opJmpRel8 || b[0] == opJmpRel32:
		if d, ok := rel32(newAddr, JmpRel32Len, target); ok {
			enc := make([]byte, JmpRel32Len)
			enc[0] = opJmpRel32
			binary.LittleEndian.PutUint32(enc[1:], uint32(d))
			return enc, nil
		}
		return JmpAbs(target), nil

	case b[0] == opCallRel:
		if d, ok := rel32(newAddr, JmpRel32Len, target); ok {
			enc := make([]byte, JmpRel32Len)
			enc[0] = opCallRel
			binary.LittleEndian.PutUint32(enc[1:], uint32(d))
			return enc, nil
		}
		return callAbs(target), nil

	case b[0] >= 0x70 && b[0] <= 0x7f:
		// Jcc rel8, widen to 0F 8x rel32
		d, ok := rel32(newAddr, 6, target)
		if !ok {
			return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x: target %#x beyond rel32 range", in.Inst.Op, origAddr, target)
		}
		enc := make([]byte, 6)
		enc[0] = opTwoByte
		enc[1] = 0x80 + (b[0] - 0x70)
		binary.LittleEndian.PutUint32(enc[2:], uint32(d))
		return enc, nil

	case b[0] == opTwoByte && b[1] >= 0x80 && b[1] <= 0x8f:
		// Jcc rel32
		d, ok := rel32(newAddr, in.Len, target)
		if !ok {
			return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x: target %#x beyond rel32 range", in.Inst.Op, origAddr, target)
		}
		enc := append([]byte(nil), b...)
		binary.LittleEndian.PutUint32(enc[in.Len-4:], uint32(d))
		return enc, nil

	case b[0] == opJcxz || (b[0] >= 0xe0 && b[0] <= 0xe2):
		// JCXZ/JRCXZ and LOOP have no rel32 form and no safe long form
		return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x has no long form", in.Inst.Op, origAddr)
	}
	return nil, errors.Wrapf(ErrUnrelocatable, "unhandled branch %s at %#x", in.Inst.Op, origAddr)
}

// relocateRIPRel recomputes the disp32 of a RIP-relative memory operand so it
// addresses the same absolute location from newAddr.
func relocateRIPRel(in decoder.Instruction, origAddr, newAddr uintptr) ([]byte, error) {
	disp, ok := ripDisp(in.Inst)
	if !ok {
		return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x has no RIP-relative operand", in.Inst.Op, origAddr)
	}
	target := uintptr(int64(origAddr) + int64(in.Len) + disp)
	newDisp := int64(target) - int64(newAddr) - int64(in.Len)
	if newDisp < -1<<31 || newDisp > 1<<31-1 {
		return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x: disp32 to %#x out of range", in.Inst.Op, origAddr, target)
	}

	// locate the disp32 inside the encoding by matching its little-endian
	// value; an ambiguous match (immediate happens to equal the
	// displacement) is refused rather than guessed at
	old := uint32(int32(disp))
	pos := -1
	for i := 1; i+4 <= in.Len; i++ {
		if binary.LittleEndian.Uint32(in.Bytes[i:]) == old {
			if pos >= 0 {
				return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x: ambiguous displacement encoding", in.Inst.Op, origAddr)
			}
			pos = i
		}
	}
	if pos < 0 {
		return nil, errors.Wrapf(ErrUnrelocatable, "%s at %#x: displacement not found in encoding", in.Inst.Op, origAddr)
	}
	enc := append([]byte(nil), in.Bytes...)
	binary.LittleEndian.PutUint32(enc[pos:], uint32(int32(newDisp)))
	return enc, nil
}

func branchRel(inst x86asm.Inst) (x86asm.Rel, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return rel, true
		}
	}
	return 0, false
}

func ripDisp(inst x86asm.Inst) (int64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return mem.Disp, true
		}
	}
	return 0, false
}
