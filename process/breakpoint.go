// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import (
	"fmt"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/x86helpers"
)

// Breakpoint is an installed software breakpoint and the memory word it replaced.
type Breakpoint struct {
	Addr libpf.Address
	// Orig is the word found at Addr before the trap byte was written.
	Orig []byte
}

// SetBreakpoint saves the word at addr and replaces its first byte with the
// trap instruction.
func SetBreakpoint(t Tracee, arch x86helpers.Arch, addr libpf.Address) (Breakpoint, error) {
	orig := make([]byte, arch.WordSize)
	if err := ReadMemory(t, addr, orig); err != nil {
		return Breakpoint{}, fmt.Errorf("set breakpoint at 0x%x: %w", uintptr(addr), err)
	}
	patched := append([]byte(nil), orig...)
	patched[0] = x86helpers.TrapInstruction
	if err := WriteMemory(t, addr, patched); err != nil {
		return Breakpoint{}, fmt.Errorf("set breakpoint at 0x%x: %w", uintptr(addr), err)
	}
	return Breakpoint{Addr: addr, Orig: orig}, nil
}

// RemoveBreakpoint is called after the tracee trapped on bp. It moves the
// program counter back by the trap length and writes the saved word back, so
// the original instruction is executed when the tracee resumes.
func RemoveBreakpoint(t Tracee, arch x86helpers.Arch, bp Breakpoint) error {
	regs, err := t.Registers()
	if err != nil {
		return err
	}
	pc := libpf.Address(regs.PC()) - libpf.Address(arch.TrapLen)
	if pc != bp.Addr {
		return fmt.Errorf("%w: pc 0x%x, breakpoint 0x%x",
			ErrBreakpointMismatch, uintptr(pc), uintptr(bp.Addr))
	}
	regs.SetPC(uint64(pc))
	if err := t.SetRegisters(regs); err != nil {
		return err
	}
	return RestoreBreakpoint(t, bp)
}

// RestoreBreakpoint writes the saved word back without touching registers.
func RestoreBreakpoint(t Tracee, bp Breakpoint) error {
	if err := WriteMemory(t, bp.Addr, bp.Orig); err != nil {
		return fmt.Errorf("remove breakpoint at 0x%x: %w", uintptr(bp.Addr), err)
	}
	return nil
}
