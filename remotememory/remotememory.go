// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory space of a process. The ReaderAt
// interface is used for the basic access, and various convenience functions are
// provided to help reading specific data types.
package remotememory // import "github.com/cuzmem/fossa/remotememory"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuzmem/fossa/libpf"
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
	// WordSize is the pointer width of the remote process. Zero means 8.
	WordSize int
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

func (rm RemoteMemory) wordSize() int {
	if rm.WordSize == 0 {
		return 8
	}
	return rm.WordSize
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	n, err := rm.ReadAt(p, int64(addr))
	if err != nil {
		return fmt.Errorf("read %d bytes at 0x%x: %w", len(p), uintptr(addr), err)
	}
	if n != len(p) {
		return fmt.Errorf("read %d bytes at 0x%x: got only %d", len(p), uintptr(addr), n)
	}
	return nil
}

// Bytes reads n bytes from remote memory into a fresh local buffer.
func (rm RemoteMemory) Bytes(addr libpf.Address, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PtrChecked reads a pointer of the remote word size from remote memory
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	var buf [8]byte
	if rm.wordSize() == 4 {
		if err := rm.Read(addr, buf[:4]); err != nil {
			return 0, err
		}
		return libpf.Address(binary.LittleEndian.Uint32(buf[:])), nil
	}
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// Ptr reads a pointer of the remote word size from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	ptr, err := rm.PtrChecked(addr)
	if err != nil {
		return 0
	}
	return ptr
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	v, _ := rm.Uint32Checked(addr)
	return v
}

// Uint32Checked reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32Checked(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// String reads a zero terminated string of at most maxLen bytes from remote
// memory. Memory is read in small chunks so a string ending just before an
// unmapped page is still returned.
func (rm RemoteMemory) String(addr libpf.Address, maxLen int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < maxLen {
		buf := make([]byte, min(chunk, maxLen-len(out)))
		n, err := rm.ReadAt(buf, int64(addr)+int64(len(out)))
		if n == 0 && err != nil {
			return "", fmt.Errorf("read string at 0x%x: %w", uintptr(addr), err)
		}
		buf = buf[:n]
		if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
			return string(append(out, buf[:zeroIdx]...)), nil
		}
		out = append(out, buf...)
		if err != nil {
			return "", fmt.Errorf("read string at 0x%x: %w", uintptr(addr), err)
		}
	}
	return "", fmt.Errorf("string at 0x%x exceeds %d bytes", uintptr(addr), maxLen)
}

// StringPtr reads a zero terminate string by first dereferencing a string pointer
// from target memory
func (rm RemoteMemory) StringPtr(addr libpf.Address, maxLen int) (string, error) {
	ptr, err := rm.PtrChecked(addr)
	if err != nil {
		return "", err
	}
	if ptr == 0 {
		return "", nil
	}
	return rm.String(ptr, maxLen)
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID, wordSize int) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}, WordSize: wordSize}
}
