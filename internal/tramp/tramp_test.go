package tramp

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detourgo/internal/decoder"
)

func decode(t *testing.T, code []byte, min int) []decoder.Instruction {
	t.Helper()
	for len(code) < 32 {
		code = append(code, 0x90)
	}
	insts, _, err := decoder.Decode(code, min)
	require.NoError(t, err)
	return insts
}

func disp32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func TestBuildVerbatimWithJumpBack(t *testing.T) {
	prologue := []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20}
	insts := decode(t, prologue, 5)

	src := uintptr(0x401000)
	dst := uintptr(0x500000)
	resume := src + 8
	out, err := Build(insts, src, dst, resume, nil)
	require.NoError(t, err)

	require.Len(t, out, 8+JmpRel32Len)
	assert.Equal(t, prologue, out[:8])
	assert.Equal(t, byte(0xe9), out[8])
	want := int32(int64(resume) - int64(dst+8) - JmpRel32Len)
	assert.Equal(t, want, disp32(out[9:]))
}

func TestBuildFarJumpBack(t *testing.T) {
	insts := decode(t, []byte{0x90}, 1)
	out, err := Build(insts, 0x1000, 0x2000, 0x7f0000000000, nil)
	require.NoError(t, err)
	require.Len(t, out, 1+JmpAbsLen)
	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, out[1:7])
	assert.Equal(t, uint64(0x7f0000000000), binary.LittleEndian.Uint64(out[7:]))
}

func TestBuildKeepsProloguePrefix(t *testing.T) {
	insts := decode(t, []byte{0x55}, 1)
	out, err := Build(insts, 0x1000, 0x2000, 0x1001, []byte{0x90, 0x90})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90, 0x55}, out[:3])
}

func TestWidenJmpRel8(t *testing.T) {
	insts := decode(t, []byte{0xeb, 0x10}, 1)
	src := uintptr(0x1000)
	dst := uintptr(0x2000)
	out, err := Build(insts[:1], src, dst, src+2, nil)
	require.NoError(t, err)

	target := src + 2 + 0x10
	assert.Equal(t, byte(0xe9), out[0])
	assert.Equal(t, int32(int64(target)-int64(dst)-JmpRel32Len), disp32(out[1:]))
}

func TestWidenJccRel8(t *testing.T) {
	insts := decode(t, []byte{0x74, 0x06}, 1)
	src := uintptr(0x1000)
	dst := uintptr(0x2000)
	out, err := Build(insts[:1], src, dst, src+2, nil)
	require.NoError(t, err)

	target := src + 2 + 6
	assert.Equal(t, byte(0x0f), out[0])
	assert.Equal(t, byte(0x84), out[1])
	assert.Equal(t, int32(int64(target)-int64(dst)-6), disp32(out[2:]))
}

func TestRelocateCallRel32(t *testing.T) {
	insts := decode(t, []byte{0xe8, 0x10, 0x00, 0x00, 0x00}, 1)
	src := uintptr(0x1000)
	dst := uintptr(0x2000)
	out, err := Build(insts[:1], src, dst, src+5, nil)
	require.NoError(t, err)

	target := src + 5 + 0x10
	assert.Equal(t, byte(0xe8), out[0])
	assert.Equal(t, int32(int64(target)-int64(dst)-JmpRel32Len), disp32(out[1:]))
}

func TestRelocateRIPRelative(t *testing.T) {
	// mov rax, [rip+0x12345678]
	insts := decode(t, []byte{0x48, 0x8b, 0x05, 0x78, 0x56, 0x34, 0x12}, 5)
	src := uintptr(0x1000)
	dst := uintptr(0x4000)
	out, err := Build(insts, src, dst, src+7, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x48, 0x8b, 0x05}, out[:3])
	target := int64(src) + 7 + 0x12345678
	assert.Equal(t, int32(target-int64(dst)-7), disp32(out[3:]))
}

func TestFarJmpFallsBackToAbsolute(t *testing.T) {
	insts := decode(t, []byte{0xeb, 0x10}, 1)
	src := uintptr(0x1000)
	dst := uintptr(0x100000000) // beyond rel32 range of the target
	out, err := Build(insts[:1], src, dst, src+2, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, out[:6])
	assert.Equal(t, uint64(src+2+0x10), binary.LittleEndian.Uint64(out[6:14]))
}

func TestFarCallFallsBackToAbsolute(t *testing.T) {
	insts := decode(t, []byte{0xe8, 0x10, 0x00, 0x00, 0x00}, 1)
	src := uintptr(0x1000)
	dst := uintptr(0x100000000)
	out, err := Build(insts[:1], src, dst, src+5, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xff, 0x15, 0x02, 0x00, 0x00, 0x00, 0xeb, 0x08}, out[:8])
	assert.Equal(t, uint64(src+5+0x10), binary.LittleEndian.Uint64(out[8:16]))
}

func TestFarJccUnrelocatable(t *testing.T) {
	insts := decode(t, []byte{0x74, 0x06}, 1)
	_, err := Build(insts[:1], 0x1000, 0x100000000, 0x1002, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrelocatable))
}

func TestLoopUnrelocatable(t *testing.T) {
	insts := decode(t, []byte{0xe2, 0xfc}, 1)
	_, err := Build(insts[:1], 0x1000, 0x2000, 0x1002, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrelocatable))
}

func TestJmpRel32Emitter(t *testing.T) {
	b := JmpRel32(0x1000, 0x2000)
	require.Len(t, b, JmpRel32Len)
	assert.Equal(t, byte(0xe9), b[0])
	assert.Equal(t, int32(0x2000-0x1000-JmpRel32Len), disp32(b[1:]))
}

func TestJmpAbsEmitter(t *testing.T) {
	b := JmpAbs(0xdeadbeefcafe)
	require.Len(t, b, JmpAbsLen)
	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, b[:6])
	assert.Equal(t, uint64(0xdeadbeefcafe), binary.LittleEndian.Uint64(b[6:]))
}

func TestPadNop(t *testing.T) {
	b := PadNop([]byte{0xe9}, 5)
	assert.Equal(t, []byte{0xe9, 0x90, 0x90, 0x90, 0x90}, b)
	assert.Equal(t, []byte{0x01, 0x02}, PadNop([]byte{0x01, 0x02}, 1))
}

func TestInRel32Range(t *testing.T) {
	assert.True(t, InRel32Range(0x1000, 0x2000))
	assert.True(t, InRel32Range(0x2000, 0x1000))
	assert.False(t, InRel32Range(0x1000, 0x100000000))
}
