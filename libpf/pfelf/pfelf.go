// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// package pfelf implements functions for processing of ELF files and extracting data from
// them. Both ELF classes are understood independent of the host word size.
package pfelf // import "github.com/cuzmem/fossa/libpf/pfelf"

import (
	"debug/elf"

	"github.com/cuzmem/fossa/libpf"
)

// LocateSymbol returns the value and size of the dynamic symbol called name
// in the object at path.
func LocateSymbol(path string, name libpf.SymbolName) (libpf.SymbolLocation, error) {
	return LocateSymbolIn(path, name, elf.SHT_DYNSYM)
}

// LocateSymbolIn is LocateSymbol searching the given symbol section types in order.
func LocateSymbolIn(path string, name libpf.SymbolName,
	types ...elf.SectionType) (libpf.SymbolLocation, error) {
	f, err := Open(path)
	if err != nil {
		return libpf.SymbolLocation{}, err
	}
	defer f.Close()
	return f.LookupSymbol(name, types...)
}

// ReadHeader returns the file header of the object at path.
func ReadHeader(path string) (FileHeader, error) {
	f, err := Open(path)
	if err != nil {
		return FileHeader{}, err
	}
	defer f.Close()
	return f.Header, nil
}

// Symbols returns every named symbol of the object at path from sections of
// the given types, in section order. Without types only SHT_DYNSYM is read.
func Symbols(path string, types ...elf.SectionType) ([]Symbol, error) {
	if len(types) == 0 {
		types = []elf.SectionType{elf.SHT_DYNSYM}
	}
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var syms []Symbol
	for _, typ := range types {
		err = f.VisitSymbols(typ, func(sym Symbol) bool {
			if sym.Name != "" {
				syms = append(syms, sym)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return syms, nil
}
