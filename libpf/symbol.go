// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/cuzmem/fossa/libpf"

import "fmt"

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolLocation is the address and byte length of a function symbol as
// recorded in an object file. The address is the unrelocated st_value.
type SymbolLocation struct {
	Address Address
	Length  uint32
}

// End returns the first address past the symbol.
func (sl SymbolLocation) End() Address {
	return sl.Address + Address(sl.Length)
}

// Contains reports whether addr lies inside the symbol.
func (sl SymbolLocation) Contains(addr Address) bool {
	return addr >= sl.Address && addr < sl.End()
}

// Relocate returns the location shifted by a load bias.
func (sl SymbolLocation) Relocate(bias Address) SymbolLocation {
	return SymbolLocation{Address: sl.Address + bias, Length: sl.Length}
}

func (sl SymbolLocation) String() string {
	return fmt.Sprintf("0x%x+%d", uintptr(sl.Address), sl.Length)
}
