// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/cuzmem/fossa/testsupport"

import (
	"debug/elf"
	"encoding/binary"

	"github.com/cuzmem/fossa/x86helpers"
)

// ImageLibrary is a shared library placed in a synthetic process image.
type ImageLibrary struct {
	// Path is stored as l_name; an empty path leaves l_name pointing at "".
	Path    string
	Base    uint64
	Symbols []ELFSymbol
	// GNUHash describes the symbol count through DT_GNU_HASH instead of DT_HASH.
	GNUHash bool
	// Relative stores dynamic pointers unrelocated, as some loaders do.
	Relative bool
}

// ImageSpec describes the loader state of a synthetic process.
type ImageSpec struct {
	Arch x86helpers.Arch
	// PIEBase maps the executable at this address instead of Arch.TextBase
	// and leaves its ELF header out of reach of the fixed address.
	PIEBase uint64
	// BindNow leaves GOT[1] empty so the link map is only reachable via r_debug.
	BindNow bool
	// Modules are the link map entries in link order.
	Modules []ImageLibrary
}

// Image is the result of BuildImage.
type Image struct {
	// Phdr and Phnum are the values the kernel would pass in the auxiliary vector.
	Phdr  uint64
	Phnum int
	// LinkMap holds the tracee addresses of the link map nodes in order.
	LinkMap []uint64
	GOT     uint64
}

// Offsets of the executable's structures relative to its load address.
const (
	imgPhdrOff    = 0x40
	imgDynamicOff = 0x800
	imgGOTOff     = 0x3000
	imgRDebugOff  = 0x3100
	imgLinkMapOff = 0x3200
	imgNamesOff   = 0x3800

	libDynamicOff = 0x100
	libHashOff    = 0x200
	libSymtabOff  = 0x400
	libStrtabOff  = 0x1000
)

type imageWriter struct {
	mem  *Memory
	arch x86helpers.Arch
}

func (w imageWriter) word(addr, v uint64) {
	w.mem.PutWord(addr, w.arch.WordSize, v)
}

func (w imageWriter) u32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.mem.Load(addr, b[:])
}

func (w imageWriter) dynamic(addr uint64, entries [][2]uint64) {
	ws := uint64(w.arch.WordSize)
	for i, e := range append(entries, [2]uint64{uint64(elf.DT_NULL), 0}) {
		w.word(addr+uint64(i)*2*ws, e[0])
		w.word(addr+uint64(i)*2*ws+ws, e[1])
	}
}

// BuildImage lays out an executable, its dynamic section, GOT, r_debug and a
// link map with the given modules in mem.
func BuildImage(mem *Memory, spec ImageSpec) Image {
	w := imageWriter{mem: mem, arch: spec.Arch}
	ws := uint64(spec.Arch.WordSize)
	pie := spec.PIEBase != 0
	base := uint64(spec.Arch.TextBase)
	if pie {
		base = spec.PIEBase
	}
	mem.Map(base, imgNamesOff+0x800)

	// Program headers: PT_PHDR, PT_LOAD, PT_DYNAMIC. PIE link addresses start at 0.
	linkBase := base
	if pie {
		linkBase = 0
	}
	phdrs := []struct {
		typ   elf.ProgType
		vaddr uint64
	}{
		{elf.PT_PHDR, linkBase + imgPhdrOff},
		{elf.PT_LOAD, linkBase},
		{elf.PT_DYNAMIC, linkBase + imgDynamicOff},
	}
	phentsize := uint64(32)
	if spec.Arch.Is64Bit() {
		phentsize = 56
	}
	for i, ph := range phdrs {
		addr := base + imgPhdrOff + uint64(i)*phentsize
		w.u32(addr, uint32(ph.typ))
		if spec.Arch.Is64Bit() {
			w.word(addr+16, ph.vaddr)
		} else {
			w.word(addr+8, ph.vaddr)
		}
	}

	if !pie {
		ehdr := &elfWriter{is64: spec.Arch.Is64Bit()}
		ehdr.buf = append(ehdr.buf, elf.ELFMAG...)
		ehdr.buf = append(ehdr.buf, byte(spec.Arch.Class), byte(elf.ELFDATA2LSB), 1)
		ehdr.buf = append(ehdr.buf, make([]byte, elf.EI_NIDENT-len(ehdr.buf))...)
		ehdr.u16(uint16(elf.ET_EXEC))
		ehdr.u16(uint16(spec.Arch.Machine))
		ehdr.u32(1)
		ehdr.word(0) // entry
		ehdr.word(imgPhdrOff)
		ehdr.word(0) // shoff
		ehdr.u32(0)
		ehdr.u16(0)
		ehdr.u16(uint16(phentsize))
		ehdr.u16(uint16(len(phdrs)))
		mem.Load(base, ehdr.buf)
	}

	img := Image{
		Phdr:  base + imgPhdrOff,
		Phnum: len(phdrs),
		GOT:   base + imgGOTOff,
	}

	w.dynamic(base+imgDynamicOff, [][2]uint64{
		{uint64(elf.DT_DEBUG), base + imgRDebugOff},
		{uint64(elf.DT_PLTGOT), base + imgGOTOff},
	})

	names := base + imgNamesOff
	for i, mod := range spec.Modules {
		node := base + imgLinkMapOff + uint64(i)*8*ws
		img.LinkMap = append(img.LinkMap, node)
		mem.Load(names, append([]byte(mod.Path), 0))

		dyn := uint64(0)
		if mod.Base != 0 {
			dyn = mod.Base + libDynamicOff
			buildLibrary(w, mod)
		}
		w.word(node, mod.Base)
		w.word(node+ws, names)
		w.word(node+2*ws, dyn)
		next := uint64(0)
		if i+1 < len(spec.Modules) {
			next = node + 8*ws
		}
		prev := uint64(0)
		if i > 0 {
			prev = node - 8*ws
		}
		w.word(node+3*ws, next)
		w.word(node+4*ws, prev)
		names += uint64(len(mod.Path)) + 1
	}

	head := uint64(0)
	if len(img.LinkMap) > 0 {
		head = img.LinkMap[0]
	}
	w.word(img.GOT, base+imgDynamicOff)
	if !spec.BindNow {
		w.word(img.GOT+ws, head)
	}
	w.u32(base+imgRDebugOff, 1)
	w.word(base+imgRDebugOff+ws, head)
	return img
}

func buildLibrary(w imageWriter, mod ImageLibrary) {
	mem := w.mem
	mem.Map(mod.Base, libStrtabOff+0x1000)

	symtab, strtab := (&elfWriter{is64: w.arch.Is64Bit()}).symbolSection(mod.Symbols)
	mem.Load(mod.Base+libSymtabOff, symtab)
	mem.Load(mod.Base+libStrtabOff, strtab)
	count := uint32(len(mod.Symbols) + 1)

	ptr := func(off uint64) uint64 {
		if mod.Relative {
			return off
		}
		return mod.Base + off
	}
	entries := [][2]uint64{
		{uint64(elf.DT_STRTAB), ptr(libStrtabOff)},
		{uint64(elf.DT_SYMTAB), ptr(libSymtabOff)},
	}
	if mod.GNUHash {
		// One bucket starting at symbol 1, chain terminated at the last symbol.
		hash := mod.Base + libHashOff
		bloom := uint64(1)
		w.u32(hash, 1)
		w.u32(hash+4, 1)
		w.u32(hash+8, uint32(bloom))
		w.u32(hash+12, 6)
		w.word(hash+16, ^uint64(0))
		buckets := hash + 16 + bloom*uint64(w.arch.WordSize)
		w.u32(buckets, 1)
		for i := uint32(1); i < count; i++ {
			v := uint32(0x1000 + 2*i)
			if i == count-1 {
				v |= 1
			}
			w.u32(buckets+4+uint64(i-1)*4, v)
		}
		entries = append(entries, [2]uint64{uint64(elf.DT_GNU_HASH), ptr(libHashOff)})
	} else {
		w.u32(mod.Base+libHashOff, 1)
		w.u32(mod.Base+libHashOff+4, count)
		entries = append(entries, [2]uint64{uint64(elf.DT_HASH), ptr(libHashOff)})
	}
	w.dynamic(mod.Base+libDynamicOff, entries)
}
