// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/cuzmem/fossa/internal/controller"

import (
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/x86helpers"
)

// Spawner starts argv under trace, stopped before its first instruction.
type Spawner func(arch x86helpers.Arch, argv, env []string) (process.Tracee, error)

// AuxvReader returns the auxiliary vector of a traced process.
type AuxvReader func(pid libpf.PID, wordSize int) (process.Auxv, error)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithSpawner sets the function used to start the traced program.
// This defaults to [process.Spawn]
func WithSpawner(spawn Spawner) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.spawn = spawn
		return c
	})
}

// WithAuxvReader sets the function used to read the tracee's auxiliary vector.
// This defaults to [process.ReadAuxv]
func WithAuxvReader(read AuxvReader) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.readAuxv = read
		return c
	})
}
