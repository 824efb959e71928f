package decoder

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pad(code []byte, n int) []byte {
	for len(code) < n {
		code = append(code, 0x90)
	}
	return code
}

func TestDecodeWholeInstructions(t *testing.T) {
	// push rbp; mov rbp, rsp; sub rsp, 0x20
	code := pad([]byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20}, 32)

	insts, n, err := Decode(code, 5)
	require.NoError(t, err)

	// 5 bytes land mid-way through the sub, so the whole 8 byte prefix is
	// consumed
	assert.Equal(t, 8, n)
	require.Len(t, insts, 3)
	assert.Equal(t, 0, insts[0].Offset)
	assert.Equal(t, 1, insts[0].Len)
	assert.Equal(t, 1, insts[1].Offset)
	assert.Equal(t, 4, insts[2].Offset)
	for _, in := range insts {
		assert.Equal(t, RelocNone, in.Reloc)
		assert.Equal(t, code[in.Offset:in.Offset+in.Len], in.Bytes)
	}
}

func TestDecodeExactBoundary(t *testing.T) {
	code := pad([]byte{0x55, 0x55, 0x55, 0x55, 0x55}, 32)
	insts, n, err := Decode(code, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, insts, 5)
}

func TestClassifyRIPRelative(t *testing.T) {
	// mov rax, [rip+0x12345678]
	code := pad([]byte{0x48, 0x8b, 0x05, 0x78, 0x56, 0x34, 0x12}, 32)
	insts, n, err := Decode(code, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.Len(t, insts, 1)
	assert.Equal(t, RelocRIPRel, insts[0].Reloc)
}

func TestClassifyBranches(t *testing.T) {
	cases := map[string][]byte{
		"jmp rel32":  {0xe9, 0x00, 0x01, 0x00, 0x00},
		"jmp rel8":   {0xeb, 0x10},
		"call rel32": {0xe8, 0x10, 0x00, 0x00, 0x00},
		"je rel8":    {0x74, 0x06},
	}
	for name, code := range cases {
		insts, _, err := Decode(pad(code, 32), 1)
		require.NoError(t, err, name)
		require.NotEmpty(t, insts, name)
		assert.Equal(t, RelocBranch, insts[0].Reloc, name)
	}
}

func TestShortFunctionFails(t *testing.T) {
	// xor eax, eax; ret -- only 3 bytes before the function ends
	code := pad([]byte{0x31, 0xc0, 0xc3}, 32)
	_, _, err := Decode(code, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestInt3PaddingFails(t *testing.T) {
	code := pad([]byte{0x90, 0xcc}, 32)
	_, _, err := Decode(code, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestTruncatedWindowFails(t *testing.T) {
	_, _, err := Decode([]byte{0x48}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestEmptyWindowFails(t *testing.T) {
	_, _, err := Decode(nil, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
}
