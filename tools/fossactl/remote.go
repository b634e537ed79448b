// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/cuzmem/fossa/internal/controller"
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/remotememory"
	"github.com/cuzmem/fossa/rtld"
	"github.com/cuzmem/fossa/x86helpers"
)

// attachFunc stops a process and returns it under trace.
type attachFunc func(pid libpf.PID) (process.Tracee, error)

func attachPtrace(pid libpf.PID) (process.Tracee, error) {
	pt, err := process.Attach(pid)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// remote holds the flags shared by the commands inspecting a live process.
type remote struct {
	out    io.Writer
	attach attachFunc

	pid    int
	noStop bool
}

func (r *remote) register(set *flag.FlagSet) {
	set.IntVar(&r.pid, "pid", 0, "Process to attach to")
	set.BoolVar(&r.noStop, "no-stop", false,
		"Read with process_vm_readv instead of stopping the process. "+
			"The link map may change while it is read.")
}

// withResolver attaches to the process, runs fn and detaches again. With
// -no-stop the process keeps running and is read through process_vm_readv.
func (r *remote) withResolver(fn func(*rtld.Resolver) error) (err error) {
	if r.pid <= 0 {
		return errors.New("please specify `-pid`")
	}
	pid := libpf.PID(r.pid)
	hdr, err := pfelf.ReadHeader(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return err
	}
	arch, err := x86helpers.ForMachine(hdr.Machine)
	if err != nil {
		return err
	}

	auxv, err := process.ReadAuxv(pid, arch.WordSize)
	if err != nil {
		log.Warnf("Failed to read auxiliary vector: %v", err)
	}

	if r.noStop {
		mem := remotememory.NewProcessVirtualMemory(pid, arch.WordSize)
		return fn(&rtld.Resolver{Reader: mem, Arch: arch, Auxv: auxv})
	}

	t, err := r.attach(pid)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, t.Detach())
	}()
	return fn(&rtld.Resolver{Reader: t, Arch: arch, Auxv: auxv})
}

type modulesCmd struct {
	remote
}

func newModulesCmd(out io.Writer) *ffcli.Command {
	cmd := modulesCmd{remote{out: out, attach: attachPtrace}}
	set := flag.NewFlagSet("modules", flag.ExitOnError)
	cmd.register(set)
	return &ffcli.Command{
		Name:       "modules",
		ShortUsage: "modules -pid <pid> [-no-stop]",
		ShortHelp:  "Print the link map of a running process",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *modulesCmd) exec(context.Context, []string) error {
	return cmd.withResolver(func(r *rtld.Resolver) error {
		mods, err := r.Modules()
		if err != nil {
			return err
		}
		for _, m := range mods {
			name := m.Name
			if name == "" {
				name = "[main]"
			}
			fmt.Fprintf(cmd.out, "%016x %016x %s\n", uintptr(m.Base), uintptr(m.Dynamic), name)
		}
		return nil
	})
}

type resolveCmd struct {
	remote
	library string
}

func newResolveCmd(out io.Writer) *ffcli.Command {
	cmd := resolveCmd{remote: remote{out: out, attach: attachPtrace}}
	set := flag.NewFlagSet("resolve", flag.ExitOnError)
	cmd.register(set)
	set.StringVar(&cmd.library, "library", controller.DefaultLibrary,
		"Library to search in the link map")
	return &ffcli.Command{
		Name:       "resolve",
		ShortUsage: "resolve -pid <pid> [-no-stop] [-library name] [symbol...]",
		ShortHelp:  "Resolve functions in a library of a running process (default: the hooks)",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *resolveCmd) exec(_ context.Context, args []string) error {
	names := controller.HookNames
	if len(args) > 0 {
		names = make([]libpf.SymbolName, len(args))
		for i, arg := range args {
			names[i] = libpf.SymbolName(arg)
		}
	}
	return cmd.withResolver(func(r *rtld.Resolver) error {
		var errs []error
		for _, name := range names {
			addr, err := r.Resolve(name, cmd.library)
			if err != nil {
				fmt.Fprintf(cmd.out, "%-24s -\n", name)
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.out, "%-24s 0x%x\n", name, uintptr(addr))
		}
		return errors.Join(errs...)
	})
}
