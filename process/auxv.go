// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cuzmem/fossa/libpf"
)

// Auxiliary vector keys, see getauxval(3).
const (
	AtNull  = 0
	AtPhdr  = 3
	AtPhent = 4
	AtPhnum = 5
	AtBase  = 7
	AtEntry = 9
)

// Auxv is the auxiliary vector the kernel passed to a process.
type Auxv map[uint64]uint64

// ParseAuxv decodes the key/value pairs of an auxiliary vector with the given word size.
func ParseAuxv(data []byte, wordSize int) (Auxv, error) {
	if wordSize != 4 && wordSize != 8 {
		return nil, fmt.Errorf("invalid word size %d", wordSize)
	}
	word := func(b []byte) uint64 {
		if wordSize == 8 {
			return binary.LittleEndian.Uint64(b)
		}
		return uint64(binary.LittleEndian.Uint32(b))
	}
	auxv := make(Auxv)
	for len(data) >= 2*wordSize {
		key, val := word(data), word(data[wordSize:])
		if key == AtNull {
			return auxv, nil
		}
		auxv[key] = val
		data = data[2*wordSize:]
	}
	return auxv, nil
}

// ReadAuxv reads /proc/<pid>/auxv.
func ReadAuxv(pid libpf.PID, wordSize int) (Auxv, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, err
	}
	return ParseAuxv(data, wordSize)
}

// Phdr returns the address of the program headers of the main executable.
func (a Auxv) Phdr() libpf.Address {
	return libpf.Address(a[AtPhdr])
}

// Phnum returns the number of program headers of the main executable.
func (a Auxv) Phnum() int {
	return int(a[AtPhnum])
}

// Entry returns the runtime entry point of the main executable.
func (a Auxv) Entry() libpf.Address {
	return libpf.Address(a[AtEntry])
}
