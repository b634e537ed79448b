// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/cuzmem/fossa/internal/controller"

import (
	"errors"
	"fmt"
)

// ErrMissingInstrumentation is returned when hooks of the instrumentation
// library cannot be resolved in the tracee.
var ErrMissingInstrumentation = errors.New("instrumentation hooks not found")

// ErrorWithExitCode provides an error with an exit code
// Used to be able to return errors with the exit code the CLI is expected to
// return when exiting.
type ErrorWithExitCode struct {
	error
	code int
}

func NewErrorWithExitCode(err error, code int) ErrorWithExitCode {
	return ErrorWithExitCode{error: err, code: code}
}

func (e ErrorWithExitCode) Code() int {
	return e.code
}

func (e ErrorWithExitCode) Unwrap() error {
	return e.error
}

// Stage names the part of a session that failed.
type Stage string

const (
	StageLocate   Stage = "locate main"
	StageSpawn    Stage = "spawn"
	StageBoundary Stage = "stop at main"
	StageResolve  Stage = "resolve hooks"
	StagePreamble Stage = "preamble"
	StageTune     Stage = "tuning"
	StageDetach   Stage = "detach"
)

// StageError wraps an error with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
