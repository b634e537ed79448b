// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cuzmem/fossa/inject"
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/x86helpers"
)

type stubsCmd struct {
	out io.Writer

	// User-specified command line arguments.
	arch, target, addr, project, plan string
	mode                              uint
	tuner                             int
}

func newStubsCmd(out io.Writer) *ffcli.Command {
	cmd := stubsCmd{out: out}
	set := flag.NewFlagSet("stubs", flag.ExitOnError)
	set.StringVar(&cmd.arch, "arch", "amd64", "Architecture to encode for (386 or amd64)")
	set.StringVar(&cmd.target, "target", "0x7f0000001100", "Hook address the stubs call")
	set.StringVar(&cmd.addr, "addr", "0x401000", "Address the stubs are injected at")
	set.StringVar(&cmd.project, "project", "fossa", "String argument of the string stubs")
	set.StringVar(&cmd.plan, "plan", "plan", "Second string argument")
	set.UintVar(&cmd.mode, "mode", 1, "Mode argument of the start stub")
	set.IntVar(&cmd.tuner, "tuner", 0, "Integer argument of the int stub")
	return &ffcli.Command{
		Name:       "stubs",
		ShortUsage: "stubs [flags]",
		ShortHelp:  "Disassemble the injected stubs",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *stubsCmd) exec(context.Context, []string) error {
	arch, err := x86helpers.ForName(cmd.arch)
	if err != nil {
		return err
	}
	target, err := strconv.ParseUint(cmd.target, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid -target: %w", err)
	}
	addr, err := strconv.ParseUint(cmd.addr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid -addr: %w", err)
	}

	hook := libpf.Address(target)
	for _, stub := range []inject.Stub{
		inject.BuildStart(arch, hook, uint32(cmd.mode)),
		inject.BuildEnd(arch, hook),
		inject.BuildString(arch, hook, cmd.project),
		inject.BuildStrings(arch, hook, cmd.project, cmd.plan),
		inject.BuildInt(arch, hook, int32(cmd.tuner)),
	} {
		if err := cmd.disassemble(arch, addr, stub); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *stubsCmd) disassemble(arch x86helpers.Arch, addr uint64, stub inject.Stub) error {
	fmt.Fprintf(cmd.out, "%v stub (%s, %d bytes, call target at +%d):\n",
		stub.Kind, arch, len(stub.Code), stub.PatchOffset)
	for off := 0; off < stub.Length; {
		inst, err := x86asm.Decode(stub.Code[off:stub.Length], arch.Mode)
		if err != nil {
			return fmt.Errorf("%v stub at +%d: %w", stub.Kind, off, err)
		}
		pc := addr + uint64(off)
		fmt.Fprintf(cmd.out, "  %08x  %-30x %s\n", pc, stub.Code[off:off+inst.Len],
			x86asm.IntelSyntax(inst, pc, nil))
		off += inst.Len
	}
	for off := stub.Length; off < len(stub.Code); {
		end := bytes.IndexByte(stub.Code[off:], 0)
		if end < 0 {
			end = len(stub.Code) - off
		}
		fmt.Fprintf(cmd.out, "  %08x  %q\n", addr+uint64(off), stub.Code[off:off+end])
		off += end + 1
	}
	return nil
}
