// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package amd classifies x86 and x86-64 instructions by their effect on
// control flow.
package amd // import "github.com/cuzmem/fossa/asm/amd"

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrUnrecognizedInstruction is returned for bytes that look like a call but
// could not be decoded, and for breakpoint traps that are not ours to step over.
var ErrUnrecognizedInstruction = errors.New("unrecognized instruction")

// Control is the control flow class of an instruction.
type Control int

const (
	// Sequential instructions continue at the next instruction.
	Sequential Control = iota
	// Call instructions transfer control and push a return address.
	Call
	// Return instructions pop the return address.
	Return
	// Trap is an int3 breakpoint.
	Trap
)

func (c Control) String() string {
	switch c {
	case Sequential:
		return "sequential"
	case Call:
		return "call"
	case Return:
		return "return"
	case Trap:
		return "trap"
	default:
		return fmt.Sprintf("control(%d)", int(c))
	}
}

// Insn is a classified instruction.
type Insn struct {
	Control Control
	// Len is the encoded length in bytes.
	Len int
	// Inst is the decoded form. It is zero for the fast paths that are
	// recognized by their opcode bytes alone.
	Inst x86asm.Inst
}

// MaxInsnLen is the architectural limit of an instruction's encoding.
const MaxInsnLen = 15

// DecodeSkippable reports whether code starts with an endbr64 or endbr32
// marker, which x86asm does not know. Both are 4 bytes long.
// https://www.felixcloutier.com/x86/endbr64
func DecodeSkippable(code []byte) (ok bool, size int) {
	if len(code) >= 4 &&
		code[0] == 0xf3 &&
		code[1] == 0x0f &&
		code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb) {
		return true, 4
	}
	return false, 0
}

// isShortIndirectCall reports whether the modrm byte following 0xff encodes a
// two byte call through eax, ecx, edx or ebx, either directly or through
// memory they point to.
func isShortIndirectCall(modrm byte) bool {
	switch modrm {
	case 0xd0, 0xd1, 0xd2, 0xd3, // call *reg
		0x10, 0x11, 0x12, 0x13, // call *(reg)
		0x18, 0x19, 0x1a, 0x1b: // lcall *(reg)
		return true
	}
	return false
}

// Classify decodes the instruction at the start of code for the given mode
// (32 or 64).
func Classify(code []byte, mode int) (Insn, error) {
	if len(code) == 0 {
		return Insn{}, fmt.Errorf("%w: no code", ErrUnrecognizedInstruction)
	}
	switch code[0] {
	case 0xcc:
		return Insn{Control: Trap, Len: 1}, nil
	case 0xc3:
		return Insn{Control: Return, Len: 1}, nil
	case 0xe8:
		return Insn{Control: Call, Len: 5}, nil
	case 0xff:
		if len(code) > 1 && isShortIndirectCall(code[1]) {
			return Insn{Control: Call, Len: 2}, nil
		}
	}
	if ok, n := DecodeSkippable(code); ok {
		return Insn{Control: Sequential, Len: n}, nil
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		if code[0] == 0xff && len(code) > 1 {
			// Group 5 with /2 or /3 is an indirect call we cannot size.
			if reg := (code[1] >> 3) & 7; reg == 2 || reg == 3 {
				return Insn{}, fmt.Errorf("%w: indirect call % x: %v",
					ErrUnrecognizedInstruction, code[:2], err)
			}
		}
		return Insn{}, fmt.Errorf("%w: % x: %v", ErrUnrecognizedInstruction,
			code[:min(len(code), 4)], err)
	}
	insn := Insn{Control: Sequential, Len: inst.Len, Inst: inst}
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		insn.Control = Call
	case x86asm.RET, x86asm.LRET:
		insn.Control = Return
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			insn.Control = Trap
		}
	}
	return insn, nil
}
