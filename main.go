// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cuzmem/fossa/internal/controller"
	"github.com/cuzmem/fossa/rtld"
	"github.com/cuzmem/fossa/vc"
)

// Short copyright / license text
var copyright = `Copyright The OpenTelemetry Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this program except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
`

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

var errNotPreloaded = errors.New("instrumentation library not preloaded")

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Copyright {
		fmt.Print(copyright)
		return exitSuccess
	}

	if cfg.Version {
		fmt.Println(vc.String())
		return exitSuccess
	}

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err := cfg.Validate(); err != nil {
		return parseError("%v", err)
	}

	// Cancellation is only observed between tuning iterations.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	if err := run(mainCtx, cfg); err != nil {
		var exitErr controller.ErrorWithExitCode
		if errors.As(err, &exitErr) {
			log.Error(exitErr)
			return exitCode(exitErr.Code())
		}
		return failure("%v", err)
	}
	return exitSuccess
}

func run(ctx context.Context, cfg *controller.Config) error {
	log.Infof("Starting %s", vc.String())

	if err := checkPreload(cfg.Env, cfg.Library); err != nil {
		if cfg.RequirePreload {
			return controller.NewErrorWithExitCode(err, int(exitFailure))
		}
		log.Warnf("%v, hooks will only be found if the program links it", err)
	}

	if err := controller.New(cfg).Run(ctx); err != nil {
		return controller.NewErrorWithExitCode(err, int(exitFailure))
	}
	return nil
}

// checkPreload reports whether LD_PRELOAD in env names library.
func checkPreload(env []string, library string) error {
	var preload string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "LD_PRELOAD="); ok {
			preload = v
		}
	}
	for _, entry := range strings.FieldsFunc(preload, func(r rune) bool {
		return r == ':' || r == ' '
	}) {
		if rtld.MatchLibrary(entry, library) {
			return nil
		}
	}
	return fmt.Errorf("%w: LD_PRELOAD=%q does not name %s", errNotPreloaded, preload, library)
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
