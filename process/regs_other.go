//go:build !linux || !(amd64 || 386)

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

// Regs is the register file used when no native ptrace register layout exists.
type Regs struct {
	pc  uint64
	gpr [16]uint64
}

func (r *Regs) PC() uint64     { return r.pc }
func (r *Regs) SetPC(v uint64) { r.pc = v }
func (r *Regs) SP() uint64     { return r.gpr[RegSp] }
func (r *Regs) SetSP(v uint64) { r.gpr[RegSp] = v }
func (r *Regs) Ax() uint64     { return r.gpr[RegAx] }
func (r *Regs) SetAx(v uint64) { r.gpr[RegAx] = v }

// GPR returns general purpose register n in instruction encoding order.
func (r *Regs) GPR(n int) uint64 {
	if n < 0 || n >= len(r.gpr) {
		return 0
	}
	return r.gpr[n]
}

// SetGPR sets general purpose register n in instruction encoding order.
func (r *Regs) SetGPR(n int, v uint64) {
	if n >= 0 && n < len(r.gpr) {
		r.gpr[n] = v
	}
}
