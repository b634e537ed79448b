// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/testsupport"
	"github.com/cuzmem/fossa/x86helpers"
)

func TestBreakpoint(t *testing.T) {
	for _, arch := range []x86helpers.Arch{x86helpers.X86, x86helpers.AMD64} {
		t.Run(arch.Name, func(t *testing.T) {
			emu := testsupport.NewEmulator(arch)
			// nop; nop; nop; mov eax, 1; nop...
			code := []byte{0x90, 0x90, 0x90, 0xb8, 0x01, 0x00, 0x00, 0x00,
				0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
			emu.Load(0x1000, code)
			emu.Regs.SetPC(0x1000)

			bp, err := process.SetBreakpoint(emu, arch, 0x1003)
			require.NoError(t, err)
			assert.Equal(t, libpf.Address(0x1003), bp.Addr)
			assert.Equal(t, code[3:3+arch.WordSize], bp.Orig)

			// Only the first byte is replaced.
			patched := emu.Bytes(0x1003, arch.WordSize)
			assert.Equal(t, byte(0xcc), patched[0])
			assert.Equal(t, code[4:3+arch.WordSize], patched[1:])

			require.NoError(t, emu.Continue())
			pc, err := process.PC(emu)
			require.NoError(t, err)
			assert.Equal(t, libpf.Address(0x1004), pc)

			require.NoError(t, process.RemoveBreakpoint(emu, arch, bp))
			pc, err = process.PC(emu)
			require.NoError(t, err)
			assert.Equal(t, libpf.Address(0x1003), pc)
			assert.Equal(t, code, emu.Bytes(0x1000, len(code)))

			// The original instruction runs after removal.
			require.NoError(t, emu.SingleStep())
			assert.Equal(t, uint64(1), emu.Regs.Ax())
		})
	}
}

func TestRemoveBreakpointMismatch(t *testing.T) {
	emu := testsupport.NewEmulator(x86helpers.AMD64)
	emu.Load(0x1000, make([]byte, 16))
	emu.Regs.SetPC(0x1000)

	bp, err := process.SetBreakpoint(emu, x86helpers.AMD64, 0x1008)
	require.NoError(t, err)
	err = process.RemoveBreakpoint(emu, x86helpers.AMD64, bp)
	assert.ErrorIs(t, err, process.ErrBreakpointMismatch)

	require.NoError(t, process.RestoreBreakpoint(emu, bp))
	assert.Equal(t, make([]byte, 16), emu.Bytes(0x1000, 16))
}

func TestSetBreakpointUnmapped(t *testing.T) {
	emu := testsupport.NewEmulator(x86helpers.AMD64)
	_, err := process.SetBreakpoint(emu, x86helpers.AMD64, 0x1000)
	assert.Error(t, err)
}

func TestMemoryHelpers(t *testing.T) {
	emu := testsupport.NewEmulator(x86helpers.X86)
	emu.Map(0x2000, 0x1000)

	require.NoError(t, process.WriteMemory(emu, 0x2ffe, []byte{1, 2}))
	buf := make([]byte, 2)
	require.NoError(t, process.ReadMemory(emu, 0x2ffe, buf))
	assert.Equal(t, []byte{1, 2}, buf)

	assert.Error(t, process.ReadMemory(emu, 0x2fff, buf))
	assert.Error(t, process.WriteMemory(emu, 0x2fff, buf))

	require.NoError(t, process.SetPC(emu, 0x2000))
	assert.Equal(t, uint64(0x2000), emu.Regs.PC())
}
