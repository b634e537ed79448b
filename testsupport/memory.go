// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/cuzmem/fossa/testsupport"

import (
	"encoding/binary"
	"fmt"
	"io"
)

const memPageSize = 4096

// Memory is a sparse, page granular address space. Accesses to pages that
// were never mapped fail like reads of unmapped tracee memory.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64][]byte)}
}

// Map makes [addr, addr+size) accessible, zero filled where not yet mapped.
func (m *Memory) Map(addr, size uint64) {
	for page := addr &^ (memPageSize - 1); page < addr+size; page += memPageSize {
		if _, ok := m.pages[page]; !ok {
			m.pages[page] = make([]byte, memPageSize)
		}
	}
}

// Load maps and fills memory at addr with data.
func (m *Memory) Load(addr uint64, data []byte) {
	m.Map(addr, uint64(len(data)))
	if _, err := m.WriteAt(data, int64(addr)); err != nil {
		panic(err)
	}
}

func (m *Memory) access(p []byte, off int64, write bool) (int, error) {
	addr := uint64(off)
	done := 0
	for done < len(p) {
		page, ok := m.pages[addr&^(memPageSize-1)]
		if !ok {
			return done, fmt.Errorf("unmapped address 0x%x", addr)
		}
		pageOff := addr & (memPageSize - 1)
		var n int
		if write {
			n = copy(page[pageOff:], p[done:])
		} else {
			n = copy(p[done:], page[pageOff:])
		}
		done += n
		addr += uint64(n)
	}
	return done, nil
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, off, false)
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, off, true)
}

// Bytes returns a copy of n bytes at addr. It panics on unmapped memory.
func (m *Memory) Bytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	if _, err := m.ReadAt(buf, int64(addr)); err != nil {
		panic(err)
	}
	return buf
}

// Word reads a little-endian word of wordSize bytes.
func (m *Memory) Word(addr uint64, wordSize int) uint64 {
	b := m.Bytes(addr, wordSize)
	if wordSize == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

// PutWord writes a little-endian word of wordSize bytes.
func (m *Memory) PutWord(addr uint64, wordSize int, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	if _, err := m.WriteAt(b[:wordSize], int64(addr)); err != nil {
		panic(err)
	}
}

// CString reads a NUL terminated string.
func (m *Memory) CString(addr uint64) string {
	var out []byte
	for {
		var b [1]byte
		if _, err := m.ReadAt(b[:], int64(addr)); err != nil || b[0] == 0 {
			return string(out)
		}
		out = append(out, b[0])
		addr++
	}
}

var (
	_ io.ReaderAt = &Memory{}
	_ io.WriterAt = &Memory{}
)
