// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package inject // import "github.com/cuzmem/fossa/inject"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/metrics"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/x86helpers"
)

var (
	// ErrUnexpectedStop is returned when the tracee stops anywhere but on the stub's trap.
	ErrUnexpectedStop = errors.New("tracee stopped outside of the injected stub")
	// ErrRestoreMismatch is returned when restored code does not read back as saved.
	ErrRestoreMismatch = errors.New("restored code differs from backup")
)

// redZone is the area below the stack pointer that leaf functions on the
// 64-bit ABI may use without adjusting it.
const redZone = 128

// Injector runs stubs in a stopped tracee.
type Injector struct {
	Tracee process.Tracee
	Arch   x86helpers.Arch
	// VerifyRestore re-reads restored code and compares it with the backup.
	VerifyRestore bool
}

// backup is tracee state overwritten by one stub execution.
type backup struct {
	regs  process.Regs
	code  []byte
	stack []byte
	sp    libpf.Address
}

// Execute writes stub at addr, runs it until its trap and restores the
// registers, the code at addr and any stack words the stub overwrote. The
// returned bool reports whether the stub produced a return value.
func (inj *Injector) Execute(addr libpf.Address, stub Stub) (ret int32, ok bool, err error) {
	t := inj.Tracee
	defer func() {
		if err != nil {
			metrics.Add(metrics.IDInjectionFailures, 1)
		}
	}()

	var saved backup
	if saved.regs, err = t.Registers(); err != nil {
		return 0, false, err
	}
	// The 32-bit ABI passes arguments on the stack. The words are stored at
	// the current stack pointer without growing the stack.
	if !inj.Arch.Is64Bit() && stub.StackArgs > 0 {
		saved.sp = libpf.Address(saved.regs.SP())
		saved.stack = make([]byte, stub.StackArgs*inj.Arch.WordSize)
		if err = process.ReadMemory(t, saved.sp, saved.stack); err != nil {
			return 0, false, fmt.Errorf("backup stack at 0x%x: %w", uintptr(saved.sp), err)
		}
	}
	saved.code = make([]byte, len(stub.Code))
	if err = process.ReadMemory(t, addr, saved.code); err != nil {
		return 0, false, fmt.Errorf("backup code at 0x%x: %w", uintptr(addr), err)
	}

	defer func() {
		err = errors.Join(err, inj.restore(addr, &saved))
	}()

	regs := saved.regs
	regs.SetPC(uint64(addr))
	regs.SetAx(uint64(addr))
	if inj.Arch.Is64Bit() {
		regs.SetSP((regs.SP() - redZone) &^ 0xf)
	}
	if err = t.SetRegisters(regs); err != nil {
		return 0, false, err
	}
	if err = process.WriteMemory(t, addr, stub.Code); err != nil {
		return 0, false, fmt.Errorf("write %v stub at 0x%x: %w", stub.Kind, uintptr(addr), err)
	}
	log.Debugf("Injected %v stub of %d bytes at 0x%x", stub.Kind, len(stub.Code), uintptr(addr))
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDInjections, Value: 1},
		{ID: metrics.IDInjectedBytes, Value: metrics.MetricValue(len(stub.Code))},
	})

	if err = t.Continue(); err != nil {
		return 0, false, fmt.Errorf("run %v stub: %w", stub.Kind, err)
	}
	if regs, err = t.Registers(); err != nil {
		return 0, false, err
	}
	if want := uint64(addr) + uint64(stub.TrapEnd()); regs.PC() != want {
		return 0, false, fmt.Errorf("%w: pc 0x%x, expected 0x%x",
			ErrUnexpectedStop, regs.PC(), want)
	}
	if stub.HasReturn {
		ret, ok = int32(regs.Ax()), true
	}
	return ret, ok, nil
}

// restore writes back everything saved before the stub ran. All parts are
// attempted even if one of them fails.
func (inj *Injector) restore(addr libpf.Address, saved *backup) error {
	t := inj.Tracee
	var errs []error
	if err := t.SetRegisters(saved.regs); err != nil {
		errs = append(errs, fmt.Errorf("restore registers: %w", err))
	}
	if err := process.WriteMemory(t, addr, saved.code); err != nil {
		errs = append(errs, fmt.Errorf("restore code at 0x%x: %w", uintptr(addr), err))
	} else if inj.VerifyRestore {
		if err := inj.verify(addr, saved.code); err != nil {
			errs = append(errs, err)
		}
	}
	if saved.stack != nil {
		if err := process.WriteMemory(t, saved.sp, saved.stack); err != nil {
			errs = append(errs, fmt.Errorf("restore stack at 0x%x: %w", uintptr(saved.sp), err))
		}
	}
	return errors.Join(errs...)
}

func (inj *Injector) verify(addr libpf.Address, want []byte) error {
	got := make([]byte, len(want))
	if err := process.ReadMemory(inj.Tracee, addr, got); err != nil {
		return fmt.Errorf("verify code at 0x%x: %w", uintptr(addr), err)
	}
	if xxh3.Hash(got) != xxh3.Hash(want) {
		return fmt.Errorf("%w at 0x%x", ErrRestoreMismatch, uintptr(addr))
	}
	return nil
}
