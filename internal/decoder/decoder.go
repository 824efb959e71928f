// Package decoder walks x86-64 machine code it did not generate and reports
// instruction boundaries together with the relocation work each instruction
// needs if it is moved to another address.
package decoder

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// ErrDecode means an instruction could not be decoded or classified, or the
// function ended before enough bytes were available for the patch window.
var ErrDecode = errors.New("cannot decode instruction")

// MaxInstLen is the longest legal x86-64 instruction encoding.
const MaxInstLen = 15

// RelocKind classifies how an instruction depends on its own address.
type RelocKind int

const (
	// RelocNone marks an instruction that can be copied verbatim.
	RelocNone RelocKind = iota
	// RelocRIPRel marks an instruction with a RIP-relative memory operand.
	RelocRIPRel
	// RelocBranch marks a relative branch (JMP/Jcc/CALL rel8/rel32).
	RelocBranch
)

// Instruction is one decoded instruction from a function prologue. It is
// transient: produced during a single hook install and never persisted.
type Instruction struct {
	// Offset is the byte offset from the start of the decode window.
	Offset int
	// Len is the encoded length in bytes.
	Len int
	// Bytes is a copy of the raw encoding.
	Bytes []byte
	// Reloc is the relocation work this instruction needs when moved.
	Reloc RelocKind
	// Inst is the full decoded form, used by the trampoline builder to
	// extract operand displacements.
	Inst x86asm.Inst
}

// Decode returns the smallest whole-instruction prefix of code that covers at
// least min bytes, together with the total length consumed. It never splits
// an instruction.
func Decode(code []byte, min int) ([]Instruction, int, error) {
	var insts []Instruction
	total := 0
	for total < min {
		if total >= len(code) {
			return nil, 0, errors.Wrapf(ErrDecode, "need %d bytes, only %d readable", min, total)
		}
		inst, err := x86asm.Decode(code[total:], 64)
		if err != nil {
			return nil, 0, errors.Wrapf(ErrDecode, "offset %d: %v", total, err)
		}
		if inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[total]) {
			// lone prefix byte, x86asm reports these instead of failing
			return nil, 0, errors.Wrapf(ErrDecode, "offset %d: stray prefix %#02x", total, code[total])
		}
		if terminal(inst) {
			// the function ends inside the patch window; consuming past a
			// RET would relocate a neighboring function's bytes
			return nil, 0, errors.Wrapf(ErrDecode, "function ends at offset %d, before the %d byte patch window", total, min)
		}
		if total+inst.Len > len(code) {
			return nil, 0, errors.Wrapf(ErrDecode, "offset %d: instruction runs past readable bytes", total)
		}
		b := make([]byte, inst.Len)
		copy(b, code[total:total+inst.Len])
		insts = append(insts, Instruction{
			Offset: total,
			Len:    inst.Len,
			Bytes:  b,
			Reloc:  classify(inst),
			Inst:   inst,
		})
		total += inst.Len
	}
	return insts, total, nil
}

func classify(inst x86asm.Inst) RelocKind {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok {
			if mem.Base == x86asm.RIP {
				return RelocRIPRel
			}
		} else if _, ok := a.(x86asm.Rel); ok {
			return RelocBranch
		}
	}
	return RelocNone
}

// terminal reports instructions after which no further prologue bytes belong
// to the same function: returns, traps and INT3 padding.
func terminal(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.UD2, x86asm.INT, x86asm.INTO:
		return true
	}
	return false
}
