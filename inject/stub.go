// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package inject builds and runs short call stubs inside a traced process.
//
// A stub loads its arguments, calls a function through a scratch register and
// stops on an int3 trap. String arguments are stored after the trap and found
// through the accumulator, which holds the stub's own address when it starts.
// Stubs are therefore position independent and can be written anywhere.
package inject // import "github.com/cuzmem/fossa/inject"

import (
	"encoding/binary"
	"fmt"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/x86helpers"
)

// Kind identifies the signature a stub calls with.
type Kind int

const (
	// KindStart calls fn(mode, 0).
	KindStart Kind = iota
	// KindEnd calls fn() and keeps its result.
	KindEnd
	// KindString calls fn(s).
	KindString
	// KindStrings calls fn(a, b) and keeps its result.
	KindStrings
	// KindInt calls fn(v).
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	case KindString:
		return "string"
	case KindStrings:
		return "strings"
	case KindInt:
		return "int"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stub is an encoded call. It is not modified after it is built.
type Stub struct {
	Kind Kind
	// Code holds the instructions followed by NUL terminated string arguments.
	Code []byte
	// PatchOffset is where the call target is encoded in Code.
	PatchOffset int
	// Length is the size of the instructions up to and including the trap.
	Length int
	// StackArgs is the number of argument words stored on the stack.
	StackArgs int
	// HasReturn is set when the result of the call is kept.
	HasReturn bool
}

// TrapEnd is the offset of the instruction after the trap, which is where
// the program counter stops.
func (s *Stub) TrapEnd() int {
	return s.Length
}

// Instruction encodings. The 64-bit forms pass arguments in rdi and rsi and
// call through rax. The 32-bit forms store arguments at esp and call through
// ebx, since eax holds the stub address for the string loads.
var (
	movRaxImm64 = []byte{0x48, 0xb8}       // mov rax, imm64
	movEdiImm32 = []byte{0xbf}             // mov edi, imm32
	movEsiImm32 = []byte{0xbe}             // mov esi, imm32
	leaRdiRax   = []byte{0x48, 0x8d, 0xb8} // lea rdi, [rax+disp32]
	leaRsiRax   = []byte{0x48, 0x8d, 0xb0} // lea rsi, [rax+disp32]
	callRax     = []byte{0xff, 0xd0}

	movEbxImm32  = []byte{0xbb}                   // mov ebx, imm32
	movEsp0Imm32 = []byte{0xc7, 0x04, 0x24}       // mov dword [esp], imm32
	movEsp4Imm32 = []byte{0xc7, 0x44, 0x24, 0x04} // mov dword [esp+4], imm32
	leaEaxEax    = []byte{0x8d, 0x80}             // lea eax, [eax+disp32]
	leaEbxEax    = []byte{0x8d, 0x98}             // lea ebx, [eax+disp32]
	movEsp0Eax   = []byte{0x89, 0x04, 0x24}       // mov [esp], eax
	movEsp0Ebx   = []byte{0x89, 0x1c, 0x24}       // mov [esp], ebx
	movEsp4Eax   = []byte{0x89, 0x44, 0x24, 0x04} // mov [esp+4], eax
	callEbx      = []byte{0xff, 0xd3}
)

// builder assembles one stub. String displacements are fixed up once the
// instruction length is known.
type builder struct {
	arch  x86helpers.Arch
	stub  Stub
	code  []byte
	fixup []int
	strs  []string
}

func newBuilder(arch x86helpers.Arch, kind Kind) *builder {
	return &builder{arch: arch, stub: Stub{Kind: kind}}
}

func (b *builder) emit(op []byte) {
	b.code = append(b.code, op...)
}

func (b *builder) imm32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

// strDisp emits a displacement to be resolved to string s.
func (b *builder) strDisp(s string) {
	b.fixup = append(b.fixup, len(b.code))
	b.strs = append(b.strs, s)
	b.imm32(0)
}

// loadTarget moves the call target into the scratch register.
func (b *builder) loadTarget(target libpf.Address) {
	if b.arch.Is64Bit() {
		b.emit(movRaxImm64)
		b.stub.PatchOffset = len(b.code)
		b.code = binary.LittleEndian.AppendUint64(b.code, uint64(target))
		return
	}
	b.emit(movEbxImm32)
	b.stub.PatchOffset = len(b.code)
	b.imm32(uint32(target))
}

// callAndTrap calls through the scratch register and stops.
func (b *builder) callAndTrap() {
	if b.arch.Is64Bit() {
		b.emit(callRax)
	} else {
		b.emit(callEbx)
	}
	b.code = append(b.code, x86helpers.TrapInstruction)
}

func (b *builder) call(target libpf.Address) {
	b.loadTarget(target)
	b.callAndTrap()
}

func (b *builder) finish() Stub {
	b.stub.Length = len(b.code)
	for i, at := range b.fixup {
		binary.LittleEndian.PutUint32(b.code[at:], uint32(len(b.code)))
		b.code = append(b.code, b.strs[i]...)
		b.code = append(b.code, 0)
	}
	b.stub.Code = b.code
	return b.stub
}

// BuildStart returns a stub calling target(mode, 0).
func BuildStart(arch x86helpers.Arch, target libpf.Address, mode uint32) Stub {
	b := newBuilder(arch, KindStart)
	if arch.Is64Bit() {
		b.loadTarget(target)
		b.emit(movEsiImm32)
		b.imm32(0)
		b.emit(movEdiImm32)
		b.imm32(mode)
		b.callAndTrap()
		return b.finish()
	}
	b.emit(movEsp4Imm32)
	b.imm32(0)
	b.emit(movEsp0Imm32)
	b.imm32(mode)
	b.stub.StackArgs = 2
	b.call(target)
	return b.finish()
}

// BuildEnd returns a stub calling target() that keeps the result.
func BuildEnd(arch x86helpers.Arch, target libpf.Address) Stub {
	b := newBuilder(arch, KindEnd)
	b.stub.HasReturn = true
	b.call(target)
	return b.finish()
}

// BuildString returns a stub calling target(s).
func BuildString(arch x86helpers.Arch, target libpf.Address, s string) Stub {
	b := newBuilder(arch, KindString)
	if arch.Is64Bit() {
		b.emit(leaRdiRax)
		b.strDisp(s)
	} else {
		b.emit(leaEaxEax)
		b.strDisp(s)
		b.emit(movEsp0Eax)
		b.stub.StackArgs = 1
	}
	b.call(target)
	return b.finish()
}

// BuildStrings returns a stub calling target(first, second) that keeps the result.
func BuildStrings(arch x86helpers.Arch, target libpf.Address, first, second string) Stub {
	b := newBuilder(arch, KindStrings)
	b.stub.HasReturn = true
	if arch.Is64Bit() {
		b.emit(leaRdiRax)
		b.strDisp(first)
		b.emit(leaRsiRax)
		b.strDisp(second)
	} else {
		b.emit(leaEbxEax)
		b.strDisp(first)
		b.emit(leaEaxEax)
		b.strDisp(second)
		b.emit(movEsp0Ebx)
		b.emit(movEsp4Eax)
		b.stub.StackArgs = 2
	}
	b.call(target)
	return b.finish()
}

// BuildInt returns a stub calling target(v).
func BuildInt(arch x86helpers.Arch, target libpf.Address, v int32) Stub {
	b := newBuilder(arch, KindInt)
	if arch.Is64Bit() {
		b.loadTarget(target)
		b.emit(movEdiImm32)
		b.imm32(uint32(v))
		b.callAndTrap()
		return b.finish()
	}
	b.emit(movEsp0Imm32)
	b.imm32(uint32(v))
	b.stub.StackArgs = 1
	b.call(target)
	return b.finish()
}
