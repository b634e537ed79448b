// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package inject

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/x86helpers"
)

// decode disassembles the instruction part of a stub.
func decode(t *testing.T, arch x86helpers.Arch, s Stub) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for off := 0; off < s.Length; {
		inst, err := x86asm.Decode(s.Code[off:s.Length], arch.Mode)
		require.NoError(t, err, "offset %d", off)
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

func ops(insts []x86asm.Inst) []x86asm.Op {
	out := make([]x86asm.Op, 0, len(insts))
	for _, i := range insts {
		out = append(out, i.Op)
	}
	return out
}

func patched(arch x86helpers.Arch, s Stub) libpf.Address {
	if arch.Is64Bit() {
		return libpf.Address(binary.LittleEndian.Uint64(s.Code[s.PatchOffset:]))
	}
	return libpf.Address(binary.LittleEndian.Uint32(s.Code[s.PatchOffset:]))
}

func TestStubLayout(t *testing.T) {
	target := map[string]libpf.Address{"386": 0xb7001234, "amd64": 0x7f1122334455}

	tests := []struct {
		name      string
		build     func(x86helpers.Arch, libpf.Address) Stub
		kind      Kind
		strs      []string
		len32     int
		len64     int
		stackArgs int
		hasReturn bool
		ops32     []x86asm.Op
		ops64     []x86asm.Op
	}{
		{
			name: "start",
			build: func(a x86helpers.Arch, tgt libpf.Address) Stub {
				return BuildStart(a, tgt, 3)
			},
			kind:      KindStart,
			len32:     23,
			len64:     23,
			stackArgs: 2,
			ops32:     []x86asm.Op{x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.INT},
			ops64:     []x86asm.Op{x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.INT},
		},
		{
			name:      "end",
			build:     BuildEnd,
			kind:      KindEnd,
			len32:     8,
			len64:     13,
			hasReturn: true,
			ops32:     []x86asm.Op{x86asm.MOV, x86asm.CALL, x86asm.INT},
			ops64:     []x86asm.Op{x86asm.MOV, x86asm.CALL, x86asm.INT},
		},
		{
			name: "string",
			build: func(a x86helpers.Arch, tgt libpf.Address) Stub {
				return BuildString(a, tgt, "my-project")
			},
			kind:      KindString,
			strs:      []string{"my-project"},
			len32:     17,
			len64:     20,
			stackArgs: 1,
			ops32:     []x86asm.Op{x86asm.LEA, x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.INT},
			ops64:     []x86asm.Op{x86asm.LEA, x86asm.MOV, x86asm.CALL, x86asm.INT},
		},
		{
			name: "strings",
			build: func(a x86helpers.Arch, tgt libpf.Address) Stub {
				return BuildStrings(a, tgt, "project", "0123abcd")
			},
			kind:      KindStrings,
			strs:      []string{"project", "0123abcd"},
			len32:     27,
			len64:     27,
			stackArgs: 2,
			hasReturn: true,
			ops32: []x86asm.Op{x86asm.LEA, x86asm.LEA, x86asm.MOV, x86asm.MOV,
				x86asm.MOV, x86asm.CALL, x86asm.INT},
			ops64: []x86asm.Op{x86asm.LEA, x86asm.LEA, x86asm.MOV, x86asm.CALL, x86asm.INT},
		},
		{
			name: "int",
			build: func(a x86helpers.Arch, tgt libpf.Address) Stub {
				return BuildInt(a, tgt, -2)
			},
			kind:      KindInt,
			len32:     15,
			len64:     18,
			stackArgs: 1,
			ops32:     []x86asm.Op{x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.INT},
			ops64:     []x86asm.Op{x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.INT},
		},
	}

	for _, arch := range []x86helpers.Arch{x86helpers.X86, x86helpers.AMD64} {
		for _, tc := range tests {
			t.Run(arch.Name+"/"+tc.name, func(t *testing.T) {
				s := tc.build(arch, target[arch.Name])
				assert.Equal(t, tc.kind, s.Kind)
				assert.Equal(t, tc.hasReturn, s.HasReturn)

				wantLen, wantOps := tc.len64, tc.ops64
				if !arch.Is64Bit() {
					wantLen, wantOps = tc.len32, tc.ops32
					assert.Equal(t, tc.stackArgs, s.StackArgs)
				} else {
					assert.Zero(t, s.StackArgs)
				}
				assert.Equal(t, wantLen, s.Length)
				assert.Equal(t, wantLen, s.TrapEnd())

				strLen := 0
				for _, str := range tc.strs {
					strLen += len(str) + 1
				}
				assert.Len(t, s.Code, s.Length+strLen)
				assert.Equal(t, byte(0xcc), s.Code[s.Length-1])

				insts := decode(t, arch, s)
				assert.Equal(t, wantOps, ops(insts))
				assert.Equal(t, target[arch.Name], patched(arch, s))

				// The patch offset is the immediate loaded into the call register.
				callReg, immSize := x86asm.EBX, 4
				if arch.Is64Bit() {
					callReg, immSize = x86asm.RAX, 8
				}
				off, found := 0, false
				for _, inst := range insts {
					if inst.Op == x86asm.MOV && inst.Args[0] == callReg {
						assert.Equal(t, off+inst.Len-immSize, s.PatchOffset)
						found = true
					}
					off += inst.Len
				}
				assert.True(t, found)

				// Every lea displacement points at its string.
				lea := 0
				for _, inst := range insts {
					if inst.Op != x86asm.LEA {
						continue
					}
					mem := inst.Args[1].(x86asm.Mem)
					disp := int(mem.Disp)
					require.Less(t, disp, len(s.Code))
					end := bytes.IndexByte(s.Code[disp:], 0)
					require.GreaterOrEqual(t, end, 0)
					assert.Equal(t, tc.strs[lea], string(s.Code[disp:disp+end]))
					lea++
				}
				assert.Equal(t, len(tc.strs), lea)
			})
		}
	}
}

func TestStubImmediates(t *testing.T) {
	s := BuildStart(x86helpers.AMD64, 0x1000, 7)
	insts := decode(t, x86helpers.AMD64, s)
	assert.Equal(t, x86asm.Imm(0), insts[1].Args[1])
	assert.Equal(t, x86asm.EDI, insts[2].Args[0])
	assert.Equal(t, x86asm.Imm(7), insts[2].Args[1])

	s = BuildStart(x86helpers.X86, 0x1000, 7)
	insts = decode(t, x86helpers.X86, s)
	assert.Equal(t, x86asm.Imm(0), insts[0].Args[1])
	assert.Equal(t, x86asm.Imm(7), insts[1].Args[1])
	assert.Equal(t, x86asm.EBX, insts[3].Args[0])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "strings", KindStrings.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
