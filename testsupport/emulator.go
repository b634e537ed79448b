// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/cuzmem/fossa/testsupport"

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cuzmem/fossa/asm/amd"
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/x86helpers"
)

// Hook runs in place of a call to its address and returns the value left in
// the accumulator. Arguments are available through Emulator.Arg.
type Hook func(e *Emulator) uint64

// Emulator is an in-memory process.Tracee. It interprets the small x86 subset
// used by injected stubs and hand written test programs: moves, lea, push,
// pop, add, sub, xor, calls and returns. Every other instruction is skipped.
type Emulator struct {
	*Memory
	Arch x86helpers.Arch
	Regs process.Regs

	// Hooks replace calls to their address.
	Hooks map[libpf.Address]Hook
	// ExitAddr ends the process when control reaches it.
	ExitAddr libpf.Address
	// MaxSteps bounds the instructions executed by one Continue.
	MaxSteps int

	Exited   bool
	Detached bool
	// FreeRunErr records how the process ended after Detach.
	FreeRunErr error

	Steps       int
	SingleSteps int
	Continues   int
	Traps       int
}

var _ process.Tracee = &Emulator{}

// ErrStepLimit is returned when a Continue runs for more than MaxSteps instructions.
var ErrStepLimit = errors.New("emulator step limit reached")

// NewEmulator returns an emulator with empty memory.
func NewEmulator(arch x86helpers.Arch) *Emulator {
	return &Emulator{
		Memory:   NewMemory(),
		Arch:     arch,
		Hooks:    make(map[libpf.Address]Hook),
		MaxSteps: 100000,
	}
}

func (e *Emulator) PID() libpf.PID {
	return 4242
}

func (e *Emulator) Registers() (process.Regs, error) {
	if e.Exited {
		return process.Regs{}, process.ErrTraceeExited
	}
	return e.Regs, nil
}

func (e *Emulator) SetRegisters(regs process.Regs) error {
	if e.Exited {
		return process.ErrTraceeExited
	}
	e.Regs = regs
	return nil
}

func (e *Emulator) Continue() error {
	e.Continues++
	for i := 0; i < e.MaxSteps; i++ {
		trapped, err := e.step()
		if err != nil {
			return err
		}
		if e.Exited {
			return process.ErrTraceeExited
		}
		if trapped {
			return nil
		}
	}
	return ErrStepLimit
}

func (e *Emulator) SingleStep() error {
	e.SingleSteps++
	if _, err := e.step(); err != nil {
		return err
	}
	if e.Exited {
		return process.ErrTraceeExited
	}
	return nil
}

// Detach lets the process run until it exits. A trap hit afterwards is
// recorded in FreeRunErr, as it would kill an untraced process.
func (e *Emulator) Detach() error {
	e.Detached = true
	for i := 0; i < e.MaxSteps; i++ {
		trapped, err := e.step()
		if err != nil {
			e.FreeRunErr = err
			return nil
		}
		if e.Exited {
			return nil
		}
		if trapped {
			e.FreeRunErr = fmt.Errorf("trap at 0x%x after detach", e.Regs.PC()-1)
			return nil
		}
	}
	e.FreeRunErr = ErrStepLimit
	return nil
}

// Arg returns integer argument n of a hooked call.
func (e *Emulator) Arg(n int) uint64 {
	if e.Arch.Is64Bit() {
		switch n {
		case 0:
			return e.Regs.GPR(process.RegDi)
		case 1:
			return e.Regs.GPR(process.RegSi)
		}
		panic(fmt.Sprintf("argument %d not supported", n))
	}
	return e.Word(e.Regs.SP()+uint64(4*n), 4)
}

// StringArg returns the NUL terminated string pointed to by argument n.
func (e *Emulator) StringArg(n int) string {
	return e.CString(e.Arg(n))
}

func (e *Emulator) mask() uint64 {
	if e.Arch.Is64Bit() {
		return ^uint64(0)
	}
	return 0xffffffff
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

func (e *Emulator) fetch(pc uint64) []byte {
	code := make([]byte, 0, 15)
	for i := uint64(0); i < 15; i++ {
		var b [1]byte
		if _, err := e.ReadAt(b[:], int64(pc+i)); err != nil {
			break
		}
		code = append(code, b[0])
	}
	return code
}

func (e *Emulator) push(v uint64) {
	sp := e.Regs.SP() - uint64(e.Arch.WordSize)
	e.Regs.SetSP(sp)
	e.PutWord(sp, e.Arch.WordSize, v)
}

func (e *Emulator) pop() uint64 {
	sp := e.Regs.SP()
	v := e.Word(sp, e.Arch.WordSize)
	e.Regs.SetSP(sp + uint64(e.Arch.WordSize))
	return v
}

func regInfo(r x86asm.Reg) (idx, size int, ok bool) {
	idx, bits, ok := amd.RegIndex(r)
	if !ok || bits == 8 {
		return 0, 0, false
	}
	return idx, bits / 8, true
}

func (e *Emulator) readReg(r x86asm.Reg, next uint64) uint64 {
	if amd.IsInstructionPointer(r) {
		return next
	}
	idx, size, ok := regInfo(r)
	if !ok {
		return 0
	}
	return e.Regs.GPR(idx) & sizeMask(size)
}

func (e *Emulator) writeReg(r x86asm.Reg, v uint64) error {
	idx, size, ok := regInfo(r)
	if !ok {
		return fmt.Errorf("unsupported register %v", r)
	}
	switch size {
	case 2:
		v = e.Regs.GPR(idx)&^0xffff | v&0xffff
	case 4:
		// 32-bit writes zero extend.
		v &= 0xffffffff
	}
	e.Regs.SetGPR(idx, v)
	return nil
}

func (e *Emulator) memAddr(m x86asm.Mem, next uint64) uint64 {
	addr := uint64(m.Disp)
	if m.Base != 0 {
		addr += e.readReg(m.Base, next)
	}
	if m.Index != 0 {
		addr += e.readReg(m.Index, next) * uint64(m.Scale)
	}
	return addr & e.mask()
}

func (e *Emulator) operandSize(inst *x86asm.Inst) int {
	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		if _, size, ok := regInfo(r); ok {
			return size
		}
	}
	if inst.MemBytes != 0 {
		return inst.MemBytes
	}
	return e.Arch.WordSize
}

func (e *Emulator) read(arg x86asm.Arg, size int, next uint64) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return e.readReg(a, next), nil
	case x86asm.Imm:
		return uint64(a) & sizeMask(size), nil
	case x86asm.Mem:
		buf := make([]byte, 8)
		if _, err := e.ReadAt(buf[:size], int64(e.memAddr(a, next))); err != nil {
			return 0, err
		}
		v := uint64(0)
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		return v, nil
	}
	return 0, fmt.Errorf("unsupported operand %v", arg)
}

func (e *Emulator) write(arg x86asm.Arg, size int, v, next uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return e.writeReg(a, v)
	case x86asm.Mem:
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		_, err := e.WriteAt(buf, int64(e.memAddr(a, next)))
		return err
	}
	return fmt.Errorf("unsupported destination %v", arg)
}

// step executes one instruction and reports whether it was a trap.
func (e *Emulator) step() (bool, error) {
	pc := e.Regs.PC()
	if libpf.Address(pc) == e.ExitAddr && e.ExitAddr != 0 {
		e.Exited = true
		return false, nil
	}
	code := e.fetch(pc)
	if len(code) == 0 {
		return false, fmt.Errorf("segmentation fault at 0x%x", pc)
	}
	e.Steps++
	if code[0] == x86helpers.TrapInstruction {
		e.Traps++
		e.Regs.SetPC(pc + 1)
		return true, nil
	}

	inst, err := x86asm.Decode(code, e.Arch.Mode)
	if err != nil {
		return false, fmt.Errorf("decode at 0x%x: %w", pc, err)
	}
	next := (pc + uint64(inst.Len)) & e.mask()
	size := e.operandSize(&inst)

	switch inst.Op {
	case x86asm.MOV:
		v, err := e.read(inst.Args[1], size, next)
		if err != nil {
			return false, err
		}
		if err := e.write(inst.Args[0], size, v, next); err != nil {
			return false, err
		}
	case x86asm.LEA:
		m, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return false, fmt.Errorf("lea without memory operand at 0x%x", pc)
		}
		if err := e.write(inst.Args[0], size, e.memAddr(m, next)&sizeMask(size), next); err != nil {
			return false, err
		}
	case x86asm.ADD, x86asm.SUB, x86asm.XOR:
		a, err := e.read(inst.Args[0], size, next)
		if err != nil {
			return false, err
		}
		b, err := e.read(inst.Args[1], size, next)
		if err != nil {
			return false, err
		}
		var v uint64
		switch inst.Op {
		case x86asm.ADD:
			v = a + b
		case x86asm.SUB:
			v = a - b
		default:
			v = a ^ b
		}
		if err := e.write(inst.Args[0], size, v&sizeMask(size), next); err != nil {
			return false, err
		}
	case x86asm.PUSH:
		v, err := e.read(inst.Args[0], e.Arch.WordSize, next)
		if err != nil {
			return false, err
		}
		e.push(v)
	case x86asm.POP:
		if err := e.write(inst.Args[0], e.Arch.WordSize, e.pop(), next); err != nil {
			return false, err
		}
	case x86asm.CALL:
		var target uint64
		switch a := inst.Args[0].(type) {
		case x86asm.Rel:
			target = (next + uint64(int64(a))) & e.mask()
		default:
			target, err = e.read(a, e.Arch.WordSize, next)
			if err != nil {
				return false, err
			}
		}
		if hook, ok := e.Hooks[libpf.Address(target)]; ok {
			e.Regs.SetAx(hook(e) & e.mask())
			break
		}
		e.push(next)
		next = target
	case x86asm.RET:
		next = e.pop()
	}
	e.Regs.SetPC(next)
	return false, nil
}
