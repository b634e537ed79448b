// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import "golang.org/x/sys/unix"

// Regs is a snapshot of the general purpose registers.
type Regs struct {
	unix.PtraceRegs
}

func (r *Regs) PC() uint64     { return uint64(uint32(r.Eip)) }
func (r *Regs) SetPC(v uint64) { r.Eip = int32(uint32(v)) }
func (r *Regs) SP() uint64     { return uint64(uint32(r.Esp)) }
func (r *Regs) SetSP(v uint64) { r.Esp = int32(uint32(v)) }
func (r *Regs) Ax() uint64     { return uint64(uint32(r.Eax)) }
func (r *Regs) SetAx(v uint64) { r.Eax = int32(uint32(v)) }

func (r *Regs) gpr(n int) *int32 {
	switch n {
	case RegAx:
		return &r.Eax
	case RegCx:
		return &r.Ecx
	case RegDx:
		return &r.Edx
	case RegBx:
		return &r.Ebx
	case RegSp:
		return &r.Esp
	case RegBp:
		return &r.Ebp
	case RegSi:
		return &r.Esi
	case RegDi:
		return &r.Edi
	}
	return nil
}

// GPR returns general purpose register n in instruction encoding order.
func (r *Regs) GPR(n int) uint64 {
	if p := r.gpr(n); p != nil {
		return uint64(uint32(*p))
	}
	return 0
}

// SetGPR sets general purpose register n in instruction encoding order.
func (r *Regs) SetGPR(n int, v uint64) {
	if p := r.gpr(n); p != nil {
		*p = int32(uint32(v))
	}
}
