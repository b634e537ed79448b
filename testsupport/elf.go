// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/cuzmem/fossa/testsupport"

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
)

// ELFSymbol describes one symbol written by BuildELF.
type ELFSymbol struct {
	Name  string
	Value uint64
	Size  uint64
	Type  elf.SymType
}

// ELFSpec describes a minimal little-endian object with symbol sections only.
type ELFSpec struct {
	Class   elf.Class
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	// DynSymbols go to .dynsym; omitted entirely when NoDynsym is set.
	DynSymbols []ELFSymbol
	NoDynsym   bool
	// Symbols go to .symtab.
	Symbols []ELFSymbol
}

type elfWriter struct {
	is64 bool
	buf  []byte
}

func (w *elfWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *elfWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *elfWriter) word(v uint64) {
	if w.is64 {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
		return
	}
	w.u32(uint32(v))
}

func (w *elfWriter) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

// symbolSection encodes a symbol table and its string table.
func (w *elfWriter) symbolSection(syms []ELFSymbol) (symtab, strtab []byte) {
	sw := &elfWriter{is64: w.is64}
	strtab = []byte{0}
	// Null symbol.
	sw.buf = make([]byte, symSize(w.is64))
	for _, s := range syms {
		nameOff := uint32(0)
		if s.Name != "" {
			nameOff = uint32(len(strtab))
			strtab = append(strtab, s.Name...)
			strtab = append(strtab, 0)
		}
		info := elf.ST_INFO(elf.STB_GLOBAL, s.Type)
		if w.is64 {
			sw.u32(nameOff)
			sw.buf = append(sw.buf, info, 0)
			sw.u16(1)
			sw.buf = binary.LittleEndian.AppendUint64(sw.buf, s.Value)
			sw.buf = binary.LittleEndian.AppendUint64(sw.buf, s.Size)
		} else {
			sw.u32(nameOff)
			sw.u32(uint32(s.Value))
			sw.u32(uint32(s.Size))
			sw.buf = append(sw.buf, info, 0)
			sw.u16(1)
		}
	}
	return sw.buf, strtab
}

func symSize(is64 bool) int {
	if is64 {
		return 24
	}
	return 16
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	entsize uint64
	offset  uint64
	nameOff uint32
}

// BuildELF returns the bytes of an object described by spec.
func BuildELF(spec ELFSpec) []byte {
	is64 := spec.Class != elf.ELFCLASS32
	typ := spec.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}
	machine := spec.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
		if !is64 {
			machine = elf.EM_386
		}
	}

	sections := []*elfSection{{}}
	if !spec.NoDynsym {
		dynsym, dynstr := (&elfWriter{is64: is64}).symbolSection(spec.DynSymbols)
		link := uint32(len(sections) + 1)
		sections = append(sections,
			&elfSection{name: ".dynsym", typ: elf.SHT_DYNSYM, data: dynsym, link: link,
				entsize: uint64(symSize(is64))},
			&elfSection{name: ".dynstr", typ: elf.SHT_STRTAB, data: dynstr})
	}
	symtab, strtab := (&elfWriter{is64: is64}).symbolSection(spec.Symbols)
	link := uint32(len(sections) + 1)
	sections = append(sections,
		&elfSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: link,
			entsize: uint64(symSize(is64))},
		&elfSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab})

	shstrtab := []byte{0}
	for _, s := range sections[1:] {
		s.nameOff = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	shstr := &elfSection{typ: elf.SHT_STRTAB, data: shstrtab}
	sections = append(sections, shstr)
	shstr.nameOff = uint32(len(shstrtab))
	shstr.data = append(shstr.data, ".shstrtab"...)
	shstr.data = append(shstr.data, 0)

	w := &elfWriter{is64: is64}
	ehdrSize, shdrSize := 52, 40
	if is64 {
		ehdrSize, shdrSize = 64, 64
	}
	w.buf = make([]byte, ehdrSize)
	for _, s := range sections[1:] {
		w.align(8)
		s.offset = uint64(len(w.buf))
		w.buf = append(w.buf, s.data...)
	}
	w.align(8)
	shoff := uint64(len(w.buf))
	for _, s := range sections {
		w.u32(s.nameOff)
		w.u32(uint32(s.typ))
		w.word(0) // flags
		w.word(0) // addr
		w.word(s.offset)
		w.word(uint64(len(s.data)))
		w.u32(s.link)
		w.u32(0)  // info
		w.word(1) // addralign
		w.word(s.entsize)
	}

	hdr := &elfWriter{is64: is64}
	hdr.buf = append(hdr.buf, elf.ELFMAG...)
	class := elf.ELFCLASS64
	if !is64 {
		class = elf.ELFCLASS32
	}
	hdr.buf = append(hdr.buf, byte(class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT))
	hdr.buf = append(hdr.buf, make([]byte, elf.EI_NIDENT-len(hdr.buf))...)
	hdr.u16(uint16(typ))
	hdr.u16(uint16(machine))
	hdr.u32(uint32(elf.EV_CURRENT))
	hdr.word(spec.Entry)
	hdr.word(0) // phoff
	hdr.word(shoff)
	hdr.u32(0) // flags
	hdr.u16(uint16(ehdrSize))
	hdr.u16(0) // phentsize
	hdr.u16(0) // phnum
	hdr.u16(uint16(shdrSize))
	hdr.u16(uint16(len(sections)))
	hdr.u16(uint16(len(sections) - 1))
	copy(w.buf, hdr.buf)

	return w.buf
}

// WriteELF writes the object described by spec into dir and returns its path.
func WriteELF(dir, name string, spec ELFSpec) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, BuildELF(spec), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
