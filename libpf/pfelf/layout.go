// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/cuzmem/fossa/libpf/pfelf"

import (
	"debug/elf"
	"encoding/binary"
)

// Layout decodes ELF structures of one class. The same decoders serve file
// contents and structures copied out of a live process.
type Layout struct {
	Class elf.Class
}

// Layouts for the supported classes.
var (
	Layout32 = Layout{Class: elf.ELFCLASS32}
	Layout64 = Layout{Class: elf.ELFCLASS64}
)

// LayoutForWordSize returns the layout matching a pointer width in bytes.
func LayoutForWordSize(wordSize int) Layout {
	if wordSize == 8 {
		return Layout64
	}
	return Layout32
}

func (l Layout) is64() bool {
	return l.Class == elf.ELFCLASS64
}

// EhdrSize returns the size of the file header.
func (l Layout) EhdrSize() int {
	if l.is64() {
		return 64
	}
	return 52
}

// ShdrSize returns the size of a section header.
func (l Layout) ShdrSize() int {
	if l.is64() {
		return 64
	}
	return 40
}

// PhdrSize returns the size of a program header.
func (l Layout) PhdrSize() int {
	if l.is64() {
		return 56
	}
	return 32
}

// DynSize returns the size of a dynamic section entry.
func (l Layout) DynSize() int {
	if l.is64() {
		return 16
	}
	return 8
}

// SymSize returns the size of a symbol table entry.
func (l Layout) SymSize() int {
	if l.is64() {
		return 24
	}
	return 16
}

// FileHeader is the class independent view of an ELF file header.
type FileHeader struct {
	Class     elf.Class
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// SectionHeader is the class independent view of a section header.
type SectionHeader struct {
	Name    uint32
	Type    elf.SectionType
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Entsize uint64
}

// ProgHeader is the class independent view of a program header.
type ProgHeader struct {
	Type   elf.ProgType
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// RawSym is a symbol table entry before name resolution.
type RawSym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Type returns the symbol type encoded in st_info.
func (s RawSym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Bind returns the symbol binding encoded in st_info.
func (s RawSym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// IsMagic reports whether b starts with the ELF identification magic.
func IsMagic(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == elf.ELFMAG
}

// ParseEhdr decodes a file header. b must hold at least EhdrSize bytes.
func (l Layout) ParseEhdr(b []byte) FileHeader {
	le := binary.LittleEndian
	h := FileHeader{
		Class:   l.Class,
		Type:    elf.Type(le.Uint16(b[16:])),
		Machine: elf.Machine(le.Uint16(b[18:])),
	}
	if l.is64() {
		h.Entry = le.Uint64(b[24:])
		h.Phoff = le.Uint64(b[32:])
		h.Shoff = le.Uint64(b[40:])
		h.Phentsize = le.Uint16(b[54:])
		h.Phnum = le.Uint16(b[56:])
		h.Shentsize = le.Uint16(b[58:])
		h.Shnum = le.Uint16(b[60:])
		h.Shstrndx = le.Uint16(b[62:])
		return h
	}
	h.Entry = uint64(le.Uint32(b[24:]))
	h.Phoff = uint64(le.Uint32(b[28:]))
	h.Shoff = uint64(le.Uint32(b[32:]))
	h.Phentsize = le.Uint16(b[42:])
	h.Phnum = le.Uint16(b[44:])
	h.Shentsize = le.Uint16(b[46:])
	h.Shnum = le.Uint16(b[48:])
	h.Shstrndx = le.Uint16(b[50:])
	return h
}

// ParseShdr decodes a section header. b must hold at least ShdrSize bytes.
func (l Layout) ParseShdr(b []byte) SectionHeader {
	le := binary.LittleEndian
	sh := SectionHeader{
		Name: le.Uint32(b[0:]),
		Type: elf.SectionType(le.Uint32(b[4:])),
	}
	if l.is64() {
		sh.Addr = le.Uint64(b[16:])
		sh.Offset = le.Uint64(b[24:])
		sh.Size = le.Uint64(b[32:])
		sh.Link = le.Uint32(b[40:])
		sh.Entsize = le.Uint64(b[56:])
		return sh
	}
	sh.Addr = uint64(le.Uint32(b[12:]))
	sh.Offset = uint64(le.Uint32(b[16:]))
	sh.Size = uint64(le.Uint32(b[20:]))
	sh.Link = le.Uint32(b[24:])
	sh.Entsize = uint64(le.Uint32(b[36:]))
	return sh
}

// ParsePhdr decodes a program header. b must hold at least PhdrSize bytes.
func (l Layout) ParsePhdr(b []byte) ProgHeader {
	le := binary.LittleEndian
	ph := ProgHeader{Type: elf.ProgType(le.Uint32(b[0:]))}
	if l.is64() {
		ph.Offset = le.Uint64(b[8:])
		ph.Vaddr = le.Uint64(b[16:])
		ph.Filesz = le.Uint64(b[32:])
		ph.Memsz = le.Uint64(b[40:])
		return ph
	}
	ph.Offset = uint64(le.Uint32(b[4:]))
	ph.Vaddr = uint64(le.Uint32(b[8:]))
	ph.Filesz = uint64(le.Uint32(b[16:]))
	ph.Memsz = uint64(le.Uint32(b[20:]))
	return ph
}

// ParseDyn decodes a dynamic section entry. b must hold at least DynSize bytes.
func (l Layout) ParseDyn(b []byte) (elf.DynTag, uint64) {
	le := binary.LittleEndian
	if l.is64() {
		return elf.DynTag(int64(le.Uint64(b[0:]))), le.Uint64(b[8:])
	}
	return elf.DynTag(int32(le.Uint32(b[0:]))), uint64(le.Uint32(b[4:]))
}

// ParseSym decodes a symbol table entry. b must hold at least SymSize bytes.
func (l Layout) ParseSym(b []byte) RawSym {
	le := binary.LittleEndian
	if l.is64() {
		return RawSym{
			Name:  le.Uint32(b[0:]),
			Info:  b[4],
			Other: b[5],
			Shndx: le.Uint16(b[6:]),
			Value: le.Uint64(b[8:]),
			Size:  le.Uint64(b[16:]),
		}
	}
	return RawSym{
		Name:  le.Uint32(b[0:]),
		Value: uint64(le.Uint32(b[4:])),
		Size:  uint64(le.Uint32(b[8:])),
		Info:  b[12],
		Other: b[13],
		Shndx: le.Uint16(b[14:]),
	}
}
