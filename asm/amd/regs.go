// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package amd // import "github.com/cuzmem/fossa/asm/amd"

import "golang.org/x/arch/x86/x86asm"

type regEntry struct {
	idx  int
	bits int
}

// regs maps x86asm registers to general purpose register numbers in
// hardware encoding order. The zero entry marks registers we do not track.
var regs [128]regEntry

func init() {
	for i := range 16 {
		regs[x86asm.AX+x86asm.Reg(i)] = regEntry{idx: i + 1, bits: 16}
		regs[x86asm.EAX+x86asm.Reg(i)] = regEntry{idx: i + 1, bits: 32}
		regs[x86asm.RAX+x86asm.Reg(i)] = regEntry{idx: i + 1, bits: 64}
	}
	// Only the low byte registers; AH..BH alias differently.
	for i, r := range []x86asm.Reg{x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B,
		x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B} {
		regs[r] = regEntry{idx: i + 1, bits: 8}
	}
}

// RegIndex returns the general purpose register number (0 for ax through 15
// for r15) and width in bits of reg.
func RegIndex(reg x86asm.Reg) (idx, bits int, ok bool) {
	if reg <= 0 || int(reg) >= len(regs) {
		return 0, 0, false
	}
	e := regs[reg]
	if e.idx == 0 {
		return 0, 0, false
	}
	return e.idx - 1, e.bits, true
}

// IsInstructionPointer reports whether reg names ip, eip or rip.
func IsInstructionPointer(reg x86asm.Reg) bool {
	return reg == x86asm.IP || reg == x86asm.EIP || reg == x86asm.RIP
}
