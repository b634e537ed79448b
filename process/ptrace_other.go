//go:build !linux || !(amd64 || 386)

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import (
	"fmt"
	"runtime"

	"github.com/cuzmem/fossa/libpf"
)

// Ptrace is unavailable outside linux on x86.
type Ptrace struct{}

// Spawn is the stub implementation, allowing to compile the process
// package on other systems, always failing at runtime with an error if used.
func Spawn(_, _ []string) (*Ptrace, error) {
	return nil, fmt.Errorf("%w: unsupported platform %s/%s", ErrSpawn, runtime.GOOS, runtime.GOARCH)
}

// Attach is the stub implementation, always failing at runtime.
func Attach(_ libpf.PID) (*Ptrace, error) {
	return nil, fmt.Errorf("unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (pt *Ptrace) PID() libpf.PID                         { return 0 }
func (pt *Ptrace) ReadAt(_ []byte, _ int64) (int, error)  { return 0, errUnsupported }
func (pt *Ptrace) WriteAt(_ []byte, _ int64) (int, error) { return 0, errUnsupported }
func (pt *Ptrace) Registers() (Regs, error)               { return Regs{}, errUnsupported }
func (pt *Ptrace) SetRegisters(Regs) error                { return errUnsupported }
func (pt *Ptrace) Continue() error                        { return errUnsupported }
func (pt *Ptrace) SingleStep() error                      { return errUnsupported }
func (pt *Ptrace) Detach() error                          { return errUnsupported }

var errUnsupported = &TraceError{Op: "request", Err: fmt.Errorf("unsupported platform %s/%s",
	runtime.GOOS, runtime.GOARCH)}
