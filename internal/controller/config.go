// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/cuzmem/fossa/internal/controller"

import (
	"errors"
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"
)

const (
	// ModeTune lets the tuner search for a new allocation plan.
	ModeTune = "tune"
	// ModeRun replays an existing plan.
	ModeRun = "run"

	DefaultLibrary = "libcuzmem.so"
	DefaultProject = "fossa"
)

var errInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Program is the path of the executable to trace, Args its arguments
	// without argv[0].
	Program string
	Args    []string
	Env     []string

	// Library is the file name of the instrumentation library in the link map.
	Library string
	Mode    string
	Project string
	// Plan overrides the plan name derived from the program and its arguments.
	Plan  string
	Tuner int

	// CheckPlan asks the library whether a plan exists before tuning.
	// Retune tunes even if it does.
	CheckPlan bool
	Retune    bool

	AdjustOOM   bool
	OOMScoreAdj int

	// SymtabFallback searches .symtab for main when .dynsym lacks it.
	SymtabFallback bool
	// MaxIterations bounds the tuning loop; 0 means unbounded.
	MaxIterations int
	VerifyRestore bool

	RequirePreload bool
	Verbose        bool
	Version        bool
	Copyright      bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	if cfg.Fs == nil {
		return
	}
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// ModeValue is the value passed to the start hook for the configured mode.
func (cfg *Config) ModeValue() uint32 {
	if cfg.Mode == ModeTune {
		return 1
	}
	return 0
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Program == "" {
		return fmt.Errorf("%w: no program given", errInvalidConfig)
	}
	if cfg.Mode != ModeTune && cfg.Mode != ModeRun {
		return fmt.Errorf("%w: mode %q is neither %s nor %s",
			errInvalidConfig, cfg.Mode, ModeTune, ModeRun)
	}
	if cfg.Library == "" {
		return fmt.Errorf("%w: empty instrumentation library name", errInvalidConfig)
	}
	if cfg.Project == "" {
		return fmt.Errorf("%w: empty project name", errInvalidConfig)
	}
	if cfg.MaxIterations < 0 {
		return fmt.Errorf("%w: negative iteration limit %d", errInvalidConfig, cfg.MaxIterations)
	}
	if cfg.AdjustOOM && (cfg.OOMScoreAdj < -1000 || cfg.OOMScoreAdj > 1000) {
		return fmt.Errorf("%w: oom_score_adj %d outside [-1000, 1000]",
			errInvalidConfig, cfg.OOMScoreAdj)
	}
	return nil
}
