// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import "golang.org/x/sys/unix"

// Regs is a snapshot of the general purpose registers.
type Regs struct {
	unix.PtraceRegs
}

func (r *Regs) PC() uint64     { return r.Rip }
func (r *Regs) SetPC(v uint64) { r.Rip = v }
func (r *Regs) SP() uint64     { return r.Rsp }
func (r *Regs) SetSP(v uint64) { r.Rsp = v }
func (r *Regs) Ax() uint64     { return r.Rax }
func (r *Regs) SetAx(v uint64) { r.Rax = v }

func (r *Regs) gpr(n int) *uint64 {
	switch n {
	case RegAx:
		return &r.Rax
	case RegCx:
		return &r.Rcx
	case RegDx:
		return &r.Rdx
	case RegBx:
		return &r.Rbx
	case RegSp:
		return &r.Rsp
	case RegBp:
		return &r.Rbp
	case RegSi:
		return &r.Rsi
	case RegDi:
		return &r.Rdi
	case 8:
		return &r.R8
	case 9:
		return &r.R9
	case 10:
		return &r.R10
	case 11:
		return &r.R11
	case 12:
		return &r.R12
	case 13:
		return &r.R13
	case 14:
		return &r.R14
	case 15:
		return &r.R15
	}
	return nil
}

// GPR returns general purpose register n in instruction encoding order.
func (r *Regs) GPR(n int) uint64 {
	if p := r.gpr(n); p != nil {
		return *p
	}
	return 0
}

// SetGPR sets general purpose register n in instruction encoding order.
func (r *Regs) SetGPR(n int, v uint64) {
	if p := r.gpr(n); p != nil {
		*p = v
	}
}
