// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process controls a traced child process: memory peeks and pokes,
// register snapshots, resuming until the next trap and software breakpoints.
package process // import "github.com/cuzmem/fossa/process"

import (
	"errors"
	"fmt"
	"io"

	"github.com/cuzmem/fossa/libpf"
)

var (
	// ErrTraceeExited is returned when the tracee terminated while it was resumed.
	ErrTraceeExited = errors.New("tracee exited")
	// ErrTraceeKilled is returned when the tracee was terminated by SIGKILL.
	// The out-of-memory killer is the usual suspect.
	ErrTraceeKilled = errors.New("tracee killed")
	// ErrSpawn is returned when the child program could not be started.
	ErrSpawn = errors.New("failed to spawn tracee")
	// ErrBreakpointMismatch is returned when a breakpoint is removed while the
	// tracee is not stopped on it.
	ErrBreakpointMismatch = errors.New("tracee not stopped at breakpoint")
)

// Tracee is a process stopped under trace. All methods must be called from
// the goroutine that created it.
type Tracee interface {
	// PID returns the process ID of the tracee.
	PID() libpf.PID
	// ReadAt reads tracee memory at the virtual address off.
	io.ReaderAt
	// WriteAt writes tracee memory at the virtual address off.
	io.WriterAt
	// Registers returns a snapshot of the general purpose registers.
	Registers() (Regs, error)
	// SetRegisters replaces the general purpose registers.
	SetRegisters(Regs) error
	// Continue resumes the tracee until it stops with SIGTRAP.
	Continue() error
	// SingleStep executes exactly one instruction.
	SingleStep() error
	// Detach releases the tracee and lets it run freely.
	Detach() error
}

// TraceError is a failed ptrace request.
type TraceError struct {
	Op   string
	Addr libpf.Address
	Err  error
}

func (e *TraceError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("ptrace %s at 0x%x: %v", e.Op, uintptr(e.Addr), e.Err)
	}
	return fmt.Sprintf("ptrace %s: %v", e.Op, e.Err)
}

func (e *TraceError) Unwrap() error {
	return e.Err
}

// SetPC moves the program counter of the tracee.
func SetPC(t Tracee, pc libpf.Address) error {
	regs, err := t.Registers()
	if err != nil {
		return err
	}
	regs.SetPC(uint64(pc))
	return t.SetRegisters(regs)
}

// PC returns the program counter of the tracee.
func PC(t Tracee) (libpf.Address, error) {
	regs, err := t.Registers()
	if err != nil {
		return 0, err
	}
	return libpf.Address(regs.PC()), nil
}

// ReadMemory reads exactly len(p) bytes of tracee memory at addr.
func ReadMemory(t Tracee, addr libpf.Address, p []byte) error {
	n, err := t.ReadAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return &TraceError{Op: "peek", Addr: addr,
			Err: fmt.Errorf("short read %d of %d bytes", n, len(p))}
	}
	return nil
}

// WriteMemory writes all of p into tracee memory at addr.
func WriteMemory(t Tracee, addr libpf.Address, p []byte) error {
	n, err := t.WriteAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return &TraceError{Op: "poke", Addr: addr,
			Err: fmt.Errorf("short write %d of %d bytes", n, len(p))}
	}
	return nil
}
