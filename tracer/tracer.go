// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer finds the return instruction of the function a tracee is
// stopped in by stepping through it, without descending into calls.
package tracer // import "github.com/cuzmem/fossa/tracer"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cuzmem/fossa/asm/amd"
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/metrics"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/x86helpers"
)

// ErrUnrecognizedInstruction is returned when the tracer meets an instruction
// it does not know how to get past.
var ErrUnrecognizedInstruction = amd.ErrUnrecognizedInstruction

// ErrStepLimit is returned when no return is found within MaxSteps instructions.
var ErrStepLimit = errors.New("no return instruction within step limit")

// MaxSteps bounds the number of instructions traced before giving up.
var MaxSteps = 1 << 24

// Result describes how the function was left.
type Result struct {
	// Return is the address of the return instruction.
	Return libpf.Address
	// Breakpoint is left installed on the return instruction.
	Breakpoint process.Breakpoint
	// Steps is the number of single steps taken.
	Steps int
	// StepOvers is the number of calls run to completion under a breakpoint.
	StepOvers int
}

// readCode fetches up to amd.MaxInsnLen bytes at pc. Near the end of a
// mapping the bytes up to the end are returned.
func readCode(t process.Tracee, pc libpf.Address) ([]byte, error) {
	code := make([]byte, amd.MaxInsnLen)
	err := process.ReadMemory(t, pc, code)
	if err == nil {
		return code, nil
	}
	for n := range code {
		if process.ReadMemory(t, pc+libpf.Address(n), code[n:n+1]) != nil {
			if n == 0 {
				return nil, fmt.Errorf("read code at 0x%x: %w", uintptr(pc), err)
			}
			return code[:n], nil
		}
	}
	return code, nil
}

// stepOver runs a call to completion by stopping at the instruction after it.
func stepOver(t process.Tracee, arch x86helpers.Arch, next libpf.Address) error {
	bp, err := process.SetBreakpoint(t, arch, next)
	if err != nil {
		return err
	}
	metrics.Add(metrics.IDBreakpoints, 1)
	if err := t.Continue(); err != nil {
		return errors.Join(err, process.RestoreBreakpoint(t, bp))
	}
	return process.RemoveBreakpoint(t, arch, bp)
}

// RunToReturn traces the tracee from its current instruction until it
// reaches a return. Calls are stepped over, everything else is single
// stepped. The return instruction is left with a breakpoint on it, so later
// runs of the same function stop there on a plain continue.
func RunToReturn(t process.Tracee, arch x86helpers.Arch) (Result, error) {
	var res Result
	defer func() {
		metrics.AddSlice([]metrics.Metric{
			{ID: metrics.IDSingleSteps, Value: metrics.MetricValue(res.Steps)},
			{ID: metrics.IDStepOvers, Value: metrics.MetricValue(res.StepOvers)},
		})
	}()

	for range MaxSteps {
		pc, err := process.PC(t)
		if err != nil {
			return res, err
		}
		code, err := readCode(t, pc)
		if err != nil {
			return res, err
		}
		insn, err := amd.Classify(code, arch.Mode)
		if err != nil {
			return res, fmt.Errorf("tracer confused at 0x%x: %w", uintptr(pc), err)
		}

		switch insn.Control {
		case amd.Trap:
			return res, fmt.Errorf("tracer confused at 0x%x: %w: breakpoint",
				uintptr(pc), ErrUnrecognizedInstruction)
		case amd.Return:
			bp, err := process.SetBreakpoint(t, arch, pc)
			if err != nil {
				return res, err
			}
			metrics.Add(metrics.IDBreakpoints, 1)
			res.Return, res.Breakpoint = pc, bp
			log.Debugf("Return found at 0x%x after %d steps and %d calls",
				uintptr(pc), res.Steps, res.StepOvers)
			return res, nil
		case amd.Call:
			next := pc + libpf.Address(insn.Len)
			log.Debugf("Stepping over call at 0x%x to 0x%x", uintptr(pc), uintptr(next))
			if err := stepOver(t, arch, next); err != nil {
				return res, fmt.Errorf("step over call at 0x%x: %w", uintptr(pc), err)
			}
			res.StepOvers++
		default:
			if err := t.SingleStep(); err != nil {
				return res, fmt.Errorf("single step at 0x%x: %w", uintptr(pc), err)
			}
			res.Steps++
		}
	}
	return res, ErrStepLimit
}
