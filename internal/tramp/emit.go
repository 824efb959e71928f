package tramp

import (
	"encoding/binary"
	"math"
)

// Redirect and jump-back encodings shared by the builder, the patcher and
// far relays.
const (
	// JmpRel32Len is the size of JMP rel32, the minimum patch window.
	JmpRel32Len = 5
	// JmpAbsLen is the size of JMP [RIP+0] followed by the 64-bit target.
	JmpAbsLen = 14
)

const (
	opNop      = 0x90
	opJmpRel8  = 0xeb
	opJmpRel32 = 0xe9
	opCallRel  = 0xe8
	opTwoByte  = 0x0f
	opJcxz     = 0xe3
)

// InRel32Range reports whether a JMP rel32 placed at from can reach to.
func InRel32Range(from, to uintptr) bool {
	d := int64(to) - int64(from) - JmpRel32Len
	return d >= math.MinInt32 && d <= math.MaxInt32
}

// JmpRel32 emits JMP rel32 located at from, targeting to. The caller must
// have checked InRel32Range.
func JmpRel32(from, to uintptr) []byte {
	b := make([]byte, JmpRel32Len)
	b[0] = opJmpRel32
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(int64(to)-int64(from)-JmpRel32Len)))
	return b
}

// JmpAbs emits JMP [RIP+0] with the absolute 64-bit target inlined after the
// instruction. Position independent, reaches anywhere.
func JmpAbs(to uintptr) []byte {
	b := make([]byte, JmpAbsLen)
	copy(b, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00})
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

// callAbs emits CALL [RIP+2]; JMP +8; imm64. The jump hops over the inlined
// target so execution resumes after the call returns.
func callAbs(to uintptr) []byte {
	b := make([]byte, 16)
	copy(b, []byte{0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08})
	binary.LittleEndian.PutUint64(b[8:], uint64(to))
	return b
}

// PadNop extends b with NOPs until it is n bytes long.
func PadNop(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, opNop)
	}
	return b
}

func rel32(newAddr uintptr, instLen int, target uintptr) (int32, bool) {
	d := int64(target) - int64(newAddr) - int64(instLen)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}
