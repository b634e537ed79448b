// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package amd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestEndBr64(t *testing.T) {
	res, n := DecodeSkippable([]byte{0xF3, 0x0F, 0x1E, 0xFA})
	assert.True(t, res)
	assert.Equal(t, 4, n)

	res, n = DecodeSkippable([]byte{0xF3, 0x0F, 0x1E, 0xFB, 0x90})
	assert.True(t, res)
	assert.Equal(t, 4, n)

	res, _ = DecodeSkippable([]byte{})
	assert.False(t, res)
}

func TestClassify(t *testing.T) {
	pad := func(b ...byte) []byte {
		return append(b, make([]byte, MaxInsnLen)...)
	}
	tests := map[string]struct {
		code    []byte
		mode    int
		control Control
		length  int
	}{
		"direct call":          {code: pad(0xe8, 0x10, 0, 0, 0), mode: 64, control: Call, length: 5},
		"call eax":             {code: pad(0xff, 0xd0), mode: 32, control: Call, length: 2},
		"call ebx":             {code: pad(0xff, 0xd3), mode: 64, control: Call, length: 2},
		"call (ecx)":           {code: pad(0xff, 0x11), mode: 32, control: Call, length: 2},
		"lcall (edx)":          {code: pad(0xff, 0x1a), mode: 32, control: Call, length: 2},
		"call r11":             {code: pad(0x41, 0xff, 0xd3), mode: 64, control: Call, length: 3},
		"call rip relative":    {code: pad(0xff, 0x15, 0x10, 0, 0, 0), mode: 64, control: Call, length: 6},
		"call disp8(ebp)":      {code: pad(0xff, 0x55, 0x08), mode: 32, control: Call, length: 3},
		"ret":                  {code: pad(0xc3), mode: 64, control: Return, length: 1},
		"ret imm16":            {code: pad(0xc2, 0x08, 0x00), mode: 32, control: Return, length: 3},
		"int3":                 {code: pad(0xcc), mode: 64, control: Trap, length: 1},
		"endbr64":              {code: pad(0xf3, 0x0f, 0x1e, 0xfa), mode: 64, control: Sequential, length: 4},
		"mov eax, 1":           {code: pad(0xb8, 1, 0, 0, 0), mode: 32, control: Sequential, length: 5},
		"jmp rel32":            {code: pad(0xe9, 0, 0, 0, 0), mode: 64, control: Sequential, length: 5},
		"push rbp":             {code: pad(0x55), mode: 64, control: Sequential, length: 1},
		"mov rax, [rip+0x100]": {code: pad(0x48, 0x8b, 0x05, 0, 1, 0, 0), mode: 64, control: Sequential, length: 7},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			insn, err := Classify(tc.code, tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.control, insn.Control)
			assert.Equal(t, tc.length, insn.Len)
		})
	}
}

func TestClassifyErrors(t *testing.T) {
	_, err := Classify(nil, 64)
	require.ErrorIs(t, err, ErrUnrecognizedInstruction)

	// Truncated group 5 call with a SIB byte that is cut off.
	_, err = Classify([]byte{0xff, 0x14}, 64)
	require.ErrorIs(t, err, ErrUnrecognizedInstruction)
}

func TestRegIndex(t *testing.T) {
	tests := []struct {
		reg  x86asm.Reg
		idx  int
		bits int
	}{
		{x86asm.RAX, 0, 64},
		{x86asm.EAX, 0, 32},
		{x86asm.AX, 0, 16},
		{x86asm.AL, 0, 8},
		{x86asm.RSP, 4, 64},
		{x86asm.EDI, 7, 32},
		{x86asm.R8, 8, 64},
		{x86asm.R15L, 15, 32},
		{x86asm.R12B, 12, 8},
	}
	for _, tc := range tests {
		idx, bits, ok := RegIndex(tc.reg)
		require.True(t, ok, tc.reg.String())
		assert.Equal(t, tc.idx, idx, tc.reg.String())
		assert.Equal(t, tc.bits, bits, tc.reg.String())
	}

	_, _, ok := RegIndex(x86asm.AH)
	assert.False(t, ok)
	_, _, ok = RegIndex(x86asm.RIP)
	assert.False(t, ok)
	assert.True(t, IsInstructionPointer(x86asm.EIP))
	assert.Equal(t, "call", Call.String())
}
