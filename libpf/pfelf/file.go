// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/cuzmem/fossa/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf/internal/mmap"
)

// ErrSymbolNotFound is returned when requested symbol was not found
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrMalformedObject is returned when the file is not a readable ELF object or
// one of its tables points outside the file.
var ErrMalformedObject = errors.New("malformed ELF object")

// Symbol is a resolved symbol table entry.
type Symbol struct {
	Name    libpf.SymbolName
	Value   libpf.Address
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	Section elf.SectionIndex
}

// File represents an open ELF file
type File struct {
	data *mmap.ReaderAt

	// Header is the decoded ELF file header
	Header FileHeader

	layout Layout

	// Sections contains the section headers
	Sections []SectionHeader
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedObject, fmt.Sprintf(format, args...))
}

// Open maps the named file and validates its file header and section header table.
func Open(name string) (*File, error) {
	data, err := mmap.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedObject, err)
	}
	f, err := newFile(data)
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	return f, nil
}

func newFile(data *mmap.ReaderAt) (*File, error) {
	ident, err := data.Subslice(0, elf.EI_NIDENT)
	if err != nil || !IsMagic(ident) {
		return nil, malformed("not an ELF file")
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, malformed("unsupported byte order %v", elf.Data(ident[elf.EI_DATA]))
	}

	var layout Layout
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		layout = Layout32
	case elf.ELFCLASS64:
		layout = Layout64
	default:
		return nil, malformed("unsupported class %v", elf.Class(ident[elf.EI_CLASS]))
	}

	ehdr, err := data.Subslice(0, uint64(layout.EhdrSize()))
	if err != nil {
		return nil, malformed("file too small for %v header", layout.Class)
	}

	f := &File{
		data:   data,
		layout: layout,
		Header: layout.ParseEhdr(ehdr),
	}
	if err := f.loadSections(); err != nil {
		return nil, err
	}
	return f, nil
}

// Close releases the file mapping.
func (f *File) Close() error {
	return f.data.Close()
}

// Layout returns the structure layout of the file's class.
func (f *File) Layout() Layout {
	return f.layout
}

func (f *File) loadSections() error {
	hdr := &f.Header
	if hdr.Shnum == 0 {
		return nil
	}
	if int(hdr.Shentsize) < f.layout.ShdrSize() {
		return malformed("section header entry size %d too small", hdr.Shentsize)
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return malformed("invalid section string table index (%d / %d)",
			hdr.Shstrndx, hdr.Shnum)
	}
	table, err := f.data.Subslice(hdr.Shoff, uint64(hdr.Shnum)*uint64(hdr.Shentsize))
	if err != nil {
		return malformed("section header table at 0x%x: %v", hdr.Shoff, err)
	}

	f.Sections = make([]SectionHeader, hdr.Shnum)
	for i := range f.Sections {
		f.Sections[i] = f.layout.ParseShdr(table[i*int(hdr.Shentsize):])
	}
	return nil
}

// sectionData returns the file contents of a section.
func (f *File) sectionData(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(f.Sections) {
		return nil, malformed("section index %d out of range", idx)
	}
	sh := &f.Sections[idx]
	if sh.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := f.data.Subslice(sh.Offset, sh.Size)
	if err != nil {
		return nil, malformed("section %d at 0x%x: %v", idx, sh.Offset, err)
	}
	return data, nil
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start uint32) (string, bool) {
	if uint64(start) >= uint64(len(section)) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : int(start)+slen]), true
}

// symbolTable is one symbol section with its linked string table.
type symbolTable struct {
	entries []byte
	strtab  []byte
	entsize int
}

func (f *File) symbolTable(idx int) (symbolTable, error) {
	sh := &f.Sections[idx]
	entries, err := f.sectionData(idx)
	if err != nil {
		return symbolTable{}, err
	}
	if int(sh.Link) >= len(f.Sections) {
		return symbolTable{}, malformed("symbol section %d links to section %d of %d",
			idx, sh.Link, len(f.Sections))
	}
	strtab, err := f.sectionData(int(sh.Link))
	if err != nil {
		return symbolTable{}, err
	}
	entsize := f.layout.SymSize()
	if sh.Entsize != 0 {
		if sh.Entsize < uint64(entsize) {
			return symbolTable{}, malformed("symbol entry size %d too small", sh.Entsize)
		}
		entsize = int(sh.Entsize)
	}
	return symbolTable{entries: entries, strtab: strtab, entsize: entsize}, nil
}

// VisitSymbols calls visitor for every named, non-section symbol of every
// section with the given type. The null symbol at index 0 is skipped. Visiting
// stops when visitor returns false.
func (f *File) VisitSymbols(typ elf.SectionType, visitor func(Symbol) bool) error {
	for idx := range f.Sections {
		if f.Sections[idx].Type != typ {
			continue
		}
		tab, err := f.symbolTable(idx)
		if err != nil {
			return err
		}
		count := len(tab.entries) / tab.entsize
		for i := 1; i < count; i++ {
			raw := f.layout.ParseSym(tab.entries[i*tab.entsize:])
			if raw.Type() == elf.STT_SECTION {
				continue
			}
			name, ok := getString(tab.strtab, raw.Name)
			if !ok {
				return malformed("symbol %d name offset %d outside string table of %d bytes",
					i, raw.Name, len(tab.strtab))
			}
			sym := Symbol{
				Name:    libpf.SymbolName(name),
				Value:   libpf.Address(raw.Value),
				Size:    raw.Size,
				Type:    raw.Type(),
				Bind:    raw.Bind(),
				Section: elf.SectionIndex(raw.Shndx),
			}
			if !visitor(sym) {
				return nil
			}
		}
	}
	return nil
}

// LookupSymbol finds the first symbol called name in sections of the given
// types, searched in order. Without types only SHT_DYNSYM is searched.
func (f *File) LookupSymbol(name libpf.SymbolName,
	types ...elf.SectionType) (libpf.SymbolLocation, error) {
	if len(types) == 0 {
		types = []elf.SectionType{elf.SHT_DYNSYM}
	}
	for _, typ := range types {
		var found *Symbol
		err := f.VisitSymbols(typ, func(sym Symbol) bool {
			if sym.Name != name {
				return true
			}
			found = &sym
			return false
		})
		if err != nil {
			return libpf.SymbolLocation{}, err
		}
		if found != nil {
			return libpf.SymbolLocation{
				Address: found.Value,
				Length:  uint32(found.Size),
			}, nil
		}
	}
	return libpf.SymbolLocation{}, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
}
