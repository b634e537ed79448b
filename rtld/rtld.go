// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rtld resolves functions in shared libraries of a live process by
// walking the structures the dynamic linker maintains in the process memory:
// the executable's dynamic section, its global offset table, the link map and
// each module's dynamic symbol table. Every structure is copied out through
// typed remote reads; nothing references tracee memory directly.
package rtld // import "github.com/cuzmem/fossa/rtld"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf"
	"github.com/cuzmem/fossa/libpf/readatbuf"
	"github.com/cuzmem/fossa/metrics"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/remotememory"
	"github.com/cuzmem/fossa/x86helpers"
)

var (
	// ErrLibraryNotFound is returned when no link map entry matches the library name.
	ErrLibraryNotFound = errors.New("library not found in link map")
	// ErrSymbolNotFound is returned when the library has no matching function symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNoExecutable is returned when the main executable's headers cannot be located.
	ErrNoExecutable = errors.New("executable headers not found")
	// ErrNoLinkMap is returned when neither the GOT nor r_debug lead to the link map.
	ErrNoLinkMap = errors.New("link map not found")
	// ErrNoSymbolTable is returned when a module lacks the dynamic tags needed for lookup.
	ErrNoSymbolTable = errors.New("module has no dynamic symbol table")
)

const (
	// Upper bounds protecting the walks against corrupt or cyclic structures.
	maxDynamicEntries = 1024
	maxModules        = 4096
	maxModuleName     = 4096

	// Cache geometry for tracee reads of one lookup.
	cachePageSize  = 256
	cachePageCount = 128
)

// ModuleEntry is a local copy of one link_map node.
type ModuleEntry struct {
	// Addr is the tracee address of the node itself.
	Addr    libpf.Address
	Base    libpf.Address
	NamePtr libpf.Address
	Dynamic libpf.Address
	Next    libpf.Address
	Prev    libpf.Address
	Name    string
}

// SymbolTable locates the dynamic symbol table of a loaded module.
type SymbolTable struct {
	Base   libpf.Address
	Symtab libpf.Address
	Strtab libpf.Address
	Count  uint32
}

// Resolver looks up symbols in a process. It keeps no state between lookups:
// the link map and symbol tables are walked again on every call, as libraries
// may be loaded in between.
type Resolver struct {
	// Reader gives access to the process memory, usually a process.Tracee.
	Reader io.ReaderAt
	Arch   x86helpers.Arch
	// Auxv is consulted when no executable header is mapped at Arch.TextBase.
	Auxv process.Auxv
}

// lookup is the state of one resolution pass.
type lookup struct {
	arch   x86helpers.Arch
	layout pfelf.Layout
	mem    remotememory.RemoteMemory
	cache  *readatbuf.Reader
}

func (r *Resolver) newLookup() (*lookup, error) {
	cache, err := readatbuf.New(r.Reader, cachePageSize, cachePageCount)
	if err != nil {
		return nil, err
	}
	return &lookup{
		arch:   r.Arch,
		layout: pfelf.LayoutForWordSize(r.Arch.WordSize),
		mem:    remotememory.RemoteMemory{ReaderAt: cache, WordSize: r.Arch.WordSize},
		cache:  cache,
	}, nil
}

func (l *lookup) done() {
	stats := l.cache.Statistics()
	log.Debugf("Remote lookup: %d cache hits, %d misses, %d bypasses",
		stats.Hits, stats.Misses, stats.Bypasses)
}

// Resolve returns the runtime address of the function symbol in the loaded
// library whose file name is library, optionally followed by a version suffix.
func (r *Resolver) Resolve(symbol libpf.SymbolName, library string) (libpf.Address, error) {
	l, err := r.newLookup()
	if err != nil {
		return 0, err
	}
	defer l.done()

	head, err := l.linkMapHead(r.Auxv)
	if err != nil {
		return 0, err
	}
	mod, err := l.findModule(head, library)
	if err != nil {
		return 0, err
	}
	tab, err := l.symbolTable(mod)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", mod.Name, err)
	}
	addr, err := l.findFunction(tab, symbol)
	if err != nil {
		return 0, fmt.Errorf("%s in %s: %w", symbol, mod.Name, err)
	}
	log.Debugf("Resolved %s in %s (base 0x%x) to 0x%x",
		symbol, mod.Name, uintptr(mod.Base), uintptr(addr))
	metrics.Add(metrics.IDRemoteLookups, 1)
	return addr, nil
}

// Modules returns every entry of the link map in link order.
func (r *Resolver) Modules() ([]ModuleEntry, error) {
	l, err := r.newLookup()
	if err != nil {
		return nil, err
	}
	defer l.done()

	head, err := l.linkMapHead(r.Auxv)
	if err != nil {
		return nil, err
	}
	var mods []ModuleEntry
	err = l.walk(head, func(m ModuleEntry) bool {
		mods = append(mods, m)
		return true
	})
	return mods, err
}

// MatchLibrary reports whether the file name of a loaded module refers to library.
func MatchLibrary(modulePath, library string) bool {
	base := path.Base(modulePath)
	return base == library || strings.HasPrefix(base, library+".")
}

// relocate turns a dynamic section pointer into an absolute address. The
// dynamic linker rewrites most pointers in place, but not on every platform.
func relocate(ptr uint64, base libpf.Address) libpf.Address {
	if base != 0 && ptr < uint64(base) {
		return base + libpf.Address(ptr)
	}
	return libpf.Address(ptr)
}

// executable locates the program headers of the main executable and its load bias.
func (l *lookup) executable(auxv process.Auxv) (phdr libpf.Address, phnum int,
	phentsize int, bias libpf.Address, err error) {
	base := l.arch.TextBase
	ehdr, err := l.mem.Bytes(base, l.layout.EhdrSize())
	if err == nil && pfelf.IsMagic(ehdr) && elf.Class(ehdr[elf.EI_CLASS]) == l.arch.Class {
		hdr := l.layout.ParseEhdr(ehdr)
		if hdr.Type == elf.ET_DYN {
			bias = base
		}
		return base + libpf.Address(hdr.Phoff), int(hdr.Phnum), int(hdr.Phentsize), bias, nil
	}

	if auxv == nil || auxv.Phdr() == 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: no ELF header at 0x%x and no auxiliary vector",
			ErrNoExecutable, uintptr(base))
	}
	// Position independent executable: the program headers tell their own
	// link time address through PT_PHDR.
	phdr, phnum, phentsize = auxv.Phdr(), auxv.Phnum(), l.layout.PhdrSize()
	for i := range phnum {
		ph, err := l.progHeader(phdr, phentsize, i)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		if ph.Type == elf.PT_PHDR {
			return phdr, phnum, phentsize, phdr - libpf.Address(ph.Vaddr), nil
		}
	}
	return 0, 0, 0, 0, fmt.Errorf("%w: no PT_PHDR at 0x%x", ErrNoExecutable, uintptr(phdr))
}

func (l *lookup) progHeader(phdr libpf.Address, phentsize, i int) (pfelf.ProgHeader, error) {
	if phentsize < l.layout.PhdrSize() {
		return pfelf.ProgHeader{}, fmt.Errorf("%w: program header size %d",
			ErrNoExecutable, phentsize)
	}
	b, err := l.mem.Bytes(phdr+libpf.Address(i*phentsize), l.layout.PhdrSize())
	if err != nil {
		return pfelf.ProgHeader{}, err
	}
	return l.layout.ParsePhdr(b), nil
}

// dynamic reads the entries of a dynamic section up to DT_NULL.
func (l *lookup) dynamic(addr libpf.Address) (map[elf.DynTag]uint64, error) {
	tags := make(map[elf.DynTag]uint64)
	size := l.layout.DynSize()
	for i := range maxDynamicEntries {
		b, err := l.mem.Bytes(addr+libpf.Address(i*size), size)
		if err != nil {
			return nil, fmt.Errorf("dynamic section at 0x%x: %w", uintptr(addr), err)
		}
		tag, val := l.layout.ParseDyn(b)
		if tag == elf.DT_NULL {
			return tags, nil
		}
		if _, ok := tags[tag]; !ok {
			tags[tag] = val
		}
	}
	return nil, fmt.Errorf("dynamic section at 0x%x is not terminated", uintptr(addr))
}

// linkMapHead finds the first link_map node through GOT[1], or through
// r_debug.r_map when lazy binding is disabled and GOT[1] is left empty.
func (l *lookup) linkMapHead(auxv process.Auxv) (libpf.Address, error) {
	phdr, phnum, phentsize, bias, err := l.executable(auxv)
	if err != nil {
		return 0, err
	}

	var dynAddr libpf.Address
	for i := range phnum {
		ph, err := l.progHeader(phdr, phentsize, i)
		if err != nil {
			return 0, err
		}
		if ph.Type == elf.PT_DYNAMIC {
			dynAddr = bias + libpf.Address(ph.Vaddr)
			break
		}
	}
	if dynAddr == 0 {
		return 0, fmt.Errorf("%w: executable is not dynamically linked", ErrNoLinkMap)
	}

	tags, err := l.dynamic(dynAddr)
	if err != nil {
		return 0, err
	}
	wordSize := libpf.Address(l.arch.WordSize)
	if got, ok := tags[elf.DT_PLTGOT]; ok && got != 0 {
		head, err := l.mem.PtrChecked(relocate(got, bias) + wordSize)
		if err != nil {
			return 0, err
		}
		if head != 0 {
			return head, nil
		}
	}
	if debug, ok := tags[elf.DT_DEBUG]; ok && debug != 0 {
		// struct r_debug { int r_version; struct link_map *r_map; ... }
		head, err := l.mem.PtrChecked(libpf.Address(debug) + wordSize)
		if err != nil {
			return 0, err
		}
		if head != 0 {
			return head, nil
		}
	}
	return 0, ErrNoLinkMap
}

func (l *lookup) readModule(addr libpf.Address) (ModuleEntry, error) {
	ws := l.arch.WordSize
	b, err := l.mem.Bytes(addr, 5*ws)
	if err != nil {
		return ModuleEntry{}, fmt.Errorf("link map entry at 0x%x: %w", uintptr(addr), err)
	}
	word := func(i int) libpf.Address {
		return libpf.Address(l.arch.Word(b[i*ws:]))
	}
	m := ModuleEntry{
		Addr:    addr,
		Base:    word(0),
		NamePtr: word(1),
		Dynamic: word(2),
		Next:    word(3),
		Prev:    word(4),
	}
	if m.NamePtr != 0 {
		m.Name, err = l.mem.String(m.NamePtr, maxModuleName)
		if err != nil {
			return ModuleEntry{}, err
		}
	}
	return m, nil
}

func (l *lookup) walk(head libpf.Address, visitor func(ModuleEntry) bool) error {
	node := head
	for range maxModules {
		if node == 0 {
			return nil
		}
		m, err := l.readModule(node)
		if err != nil {
			return err
		}
		if !visitor(m) {
			return nil
		}
		node = m.Next
	}
	return fmt.Errorf("link map at 0x%x exceeds %d entries", uintptr(head), maxModules)
}

func (l *lookup) findModule(head libpf.Address, library string) (ModuleEntry, error) {
	var found *ModuleEntry
	err := l.walk(head, func(m ModuleEntry) bool {
		if m.Name == "" || !MatchLibrary(m.Name, library) {
			return true
		}
		found = &m
		return false
	})
	if err != nil {
		return ModuleEntry{}, err
	}
	if found == nil {
		return ModuleEntry{}, fmt.Errorf("%s: %w", library, ErrLibraryNotFound)
	}
	return *found, nil
}

func (l *lookup) symbolTable(m ModuleEntry) (SymbolTable, error) {
	tags, err := l.dynamic(m.Dynamic)
	if err != nil {
		return SymbolTable{}, err
	}
	strtab, okStr := tags[elf.DT_STRTAB]
	symtab, okSym := tags[elf.DT_SYMTAB]
	if !okStr || !okSym {
		return SymbolTable{}, ErrNoSymbolTable
	}
	tab := SymbolTable{
		Base:   m.Base,
		Strtab: relocate(strtab, m.Base),
		Symtab: relocate(symtab, m.Base),
	}
	if hash, ok := tags[elf.DT_HASH]; ok {
		// Elf_Hash: nbucket, nchain, ...; nchain equals the symbol count.
		tab.Count, err = l.mem.Uint32Checked(relocate(hash, m.Base) + 4)
		return tab, err
	}
	if gnuHash, ok := tags[elf.DT_GNU_HASH]; ok {
		tab.Count, err = l.gnuHashCount(relocate(gnuHash, m.Base))
		return tab, err
	}
	return SymbolTable{}, fmt.Errorf("%w: no hash table", ErrNoSymbolTable)
}

// gnuHashCount derives the number of dynamic symbols from a GNU hash table:
// the highest bucket start, followed along its chain until the end marker.
func (l *lookup) gnuHashCount(addr libpf.Address) (uint32, error) {
	hdr, err := l.mem.Bytes(addr, 16)
	if err != nil {
		return 0, err
	}
	nbuckets := binary.LittleEndian.Uint32(hdr[0:])
	symoffset := binary.LittleEndian.Uint32(hdr[4:])
	bloomSize := binary.LittleEndian.Uint32(hdr[8:])
	buckets := addr + 16 + libpf.Address(bloomSize)*libpf.Address(l.arch.WordSize)
	chains := buckets + libpf.Address(nbuckets)*4

	last := uint32(0)
	for i := range nbuckets {
		b, err := l.mem.Uint32Checked(buckets + libpf.Address(i)*4)
		if err != nil {
			return 0, err
		}
		last = max(last, b)
	}
	if last < symoffset {
		return symoffset, nil
	}
	for n := last; n-last < maxChainWalk; n++ {
		h, err := l.mem.Uint32Checked(chains + libpf.Address(n-symoffset)*4)
		if err != nil {
			return 0, err
		}
		if h&1 != 0 {
			return n + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated GNU hash chain at 0x%x", uintptr(chains))
}

const maxChainWalk = 1 << 20

// findFunction scans the symbol table for a function whose name starts with symbol.
func (l *lookup) findFunction(tab SymbolTable, symbol libpf.SymbolName) (libpf.Address, error) {
	want := []byte(symbol)
	size := l.layout.SymSize()
	for i := uint32(0); i < tab.Count; i++ {
		b, err := l.mem.Bytes(tab.Symtab+libpf.Address(int(i)*size), size)
		if err != nil {
			return 0, err
		}
		sym := l.layout.ParseSym(b)
		if sym.Type() != elf.STT_FUNC {
			continue
		}
		name, err := l.mem.Bytes(tab.Strtab+libpf.Address(sym.Name), len(want))
		if err != nil {
			return 0, err
		}
		if bytes.Equal(name, want) {
			return tab.Base + libpf.Address(sym.Value), nil
		}
	}
	return 0, ErrSymbolNotFound
}
