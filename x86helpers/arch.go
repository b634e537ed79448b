// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package x86helpers describes the x86 flavors the instrumentation can drive.
// The values are resolved once at startup and passed to every component that
// needs word sizes, trap lengths or the fixed executable base.
package x86helpers // import "github.com/cuzmem/fossa/x86helpers"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/cuzmem/fossa/libpf"
)

// TrapInstruction is the single byte software breakpoint (int3).
const TrapInstruction byte = 0xcc

// Arch is the architecture configuration of a tracee.
type Arch struct {
	// Name is the GOARCH style name of the architecture.
	Name string
	// Mode is the operand mode passed to x86asm (32 or 64).
	Mode int
	// WordSize is the size of a pointer and of a ptrace word in bytes.
	WordSize int
	// TrapLen is the number of bytes the program counter has advanced past
	// a breakpoint address when the trap is reported.
	TrapLen int
	// TextBase is the fixed address a non-PIE executable's first load
	// segment, including its ELF header, is mapped at.
	TextBase libpf.Address
	// Class is the ELF class of objects for this architecture.
	Class elf.Class
	// Machine is the ELF machine of objects for this architecture.
	Machine elf.Machine
}

var (
	// X86 is 32-bit x86.
	X86 = Arch{
		Name:     "386",
		Mode:     32,
		WordSize: 4,
		TrapLen:  1,
		TextBase: 0x08048000,
		Class:    elf.ELFCLASS32,
		Machine:  elf.EM_386,
	}

	// AMD64 is 64-bit x86.
	AMD64 = Arch{
		Name:     "amd64",
		Mode:     64,
		WordSize: 8,
		TrapLen:  1,
		TextBase: 0x400000,
		Class:    elf.ELFCLASS64,
		Machine:  elf.EM_X86_64,
	}
)

// ForName returns the Arch for a GOARCH style name.
func ForName(name string) (Arch, error) {
	switch name {
	case X86.Name, "x86", "i386":
		return X86, nil
	case AMD64.Name, "x86_64", "x86-64":
		return AMD64, nil
	}
	return Arch{}, fmt.Errorf("unsupported architecture %q", name)
}

// ForMachine returns the Arch running objects of the given ELF machine.
func ForMachine(m elf.Machine) (Arch, error) {
	switch m {
	case X86.Machine:
		return X86, nil
	case AMD64.Machine:
		return AMD64, nil
	}
	return Arch{}, fmt.Errorf("unsupported machine %v", m)
}

// Is64Bit reports whether the architecture uses 8 byte words.
func (a Arch) Is64Bit() bool {
	return a.WordSize == 8
}

// Word decodes a little-endian word of the architecture's width.
func (a Arch) Word(b []byte) uint64 {
	if a.WordSize == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

// PutWord encodes v as a little-endian word of the architecture's width.
func (a Arch) PutWord(b []byte, v uint64) {
	if a.WordSize == 8 {
		binary.LittleEndian.PutUint64(b, v)
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
}

func (a Arch) String() string {
	return a.Name
}
