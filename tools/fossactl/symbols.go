// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf"
)

type symbolsCmd struct {
	out io.Writer

	// User-specified command line arguments.
	symtab, demangle, funcsOnly bool
}

func newSymbolsCmd(out io.Writer) *ffcli.Command {
	cmd := symbolsCmd{out: out}
	set := flag.NewFlagSet("symbols", flag.ExitOnError)
	set.BoolVar(&cmd.symtab, "symtab", false, "Also list .symtab entries")
	set.BoolVar(&cmd.demangle, "demangle", false, "Demangle C++ and Rust names")
	set.BoolVar(&cmd.funcsOnly, "funcs", false, "Only list functions")
	return &ffcli.Command{
		Name:       "symbols",
		ShortUsage: "symbols [flags] <elf-file> [name...]",
		ShortHelp:  "List symbols of an ELF file or look up single names",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *symbolsCmd) types() []elf.SectionType {
	if cmd.symtab {
		return []elf.SectionType{elf.SHT_DYNSYM, elf.SHT_SYMTAB}
	}
	return []elf.SectionType{elf.SHT_DYNSYM}
}

func (cmd *symbolsCmd) exec(_ context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("please specify an ELF file")
	}
	path, names := args[0], args[1:]
	if len(names) > 0 {
		return cmd.lookup(path, names)
	}

	all, err := pfelf.Symbols(path, cmd.types()...)
	if err != nil {
		return err
	}
	syms := all[:0]
	for _, sym := range all {
		if !cmd.funcsOnly || sym.Type == elf.STT_FUNC {
			syms = append(syms, sym)
		}
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })

	for _, sym := range syms {
		fmt.Fprintf(cmd.out, "%016x %6d %-7s %-6s %s\n", uintptr(sym.Value), sym.Size,
			typeName(sym.Type), bindName(sym.Bind), cmd.name(sym.Name))
	}
	return nil
}

func (cmd *symbolsCmd) lookup(path string, names []string) error {
	var errs []error
	for _, name := range names {
		loc, err := pfelf.LocateSymbolIn(path, libpf.SymbolName(name), cmd.types()...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.out, "%s %v\n", name, loc)
	}
	return errors.Join(errs...)
}

func (cmd *symbolsCmd) name(name libpf.SymbolName) string {
	if cmd.demangle {
		return demangle.Filter(string(name))
	}
	return string(name)
}

func typeName(t elf.SymType) string {
	switch t {
	case elf.STT_FUNC:
		return "FUNC"
	case elf.STT_OBJECT:
		return "OBJECT"
	case elf.STT_NOTYPE:
		return "NOTYPE"
	case elf.STT_TLS:
		return "TLS"
	case elf.STT_GNU_IFUNC:
		return "IFUNC"
	}
	return fmt.Sprintf("%d", int(t))
}

func bindName(b elf.SymBind) string {
	switch b {
	case elf.STB_LOCAL:
		return "LOCAL"
	case elf.STB_GLOBAL:
		return "GLOBAL"
	case elf.STB_WEAK:
		return "WEAK"
	}
	return fmt.Sprintf("%d", int(b))
}
