// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/cuzmem/fossa/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgMode          = controller.ModeTune
	defaultArgMaxIterations = 0
	defaultArgTuner         = 0
)

// Help strings for command line arguments
var (
	modeHelp = fmt.Sprintf("Either %q to search for a new memory allocation plan or %q "+
		"to replay the stored one.", controller.ModeTune, controller.ModeRun)
	tuneHelp    = fmt.Sprintf("Shorthand for -m %s.", controller.ModeTune)
	oomHelp     = "Set the program's oom_score_adj (-1000 to 1000). Usually requires root."
	libraryHelp = "File name of the instrumentation library the program has loaded. " +
		"Version suffixes after a dot are accepted."
	projectHelp = "Project name handed to the instrumentation library."
	planHelp    = "Plan name handed to the instrumentation library. " +
		"Defaults to a hash of the program name and its arguments."
	tunerHelp         = "Tuner selected in the instrumentation library."
	checkPlanHelp     = "Ask the instrumentation library for an existing plan before tuning."
	retuneHelp        = "Tune even if -check-plan finds an existing plan."
	symtabHelp        = "Look for main in .symtab if the dynamic symbol table lacks it."
	maxIterationsHelp = "Stop tuning after this many iterations. 0 means no limit."
	verifyHelp        = "Re-read and compare memory after every injected stub."
	requirePreload    = "Refuse to start unless LD_PRELOAD names the instrumentation library."
	configHelp        = "Read options from this file, one \"name value\" pair per line."
	copyrightHelp     = "Show copyright and short license text."
	verboseModeHelp   = "Enable verbose logging and debugging capabilities."
	versionHelp       = "Show version."
)

var errNoProgram = errors.New("no program to run")

// tuneFlag sets the mode when given, like the -tune switch of earlier releases.
type tuneFlag struct {
	mode *string
}

func (f tuneFlag) String() string {
	if f.mode != nil && *f.mode == controller.ModeTune {
		return "true"
	}
	return "false"
}

func (f tuneFlag) Set(v string) error {
	if v == "true" {
		*f.mode = controller.ModeTune
	}
	return nil
}

func (f tuneFlag) IsBoolFlag() bool { return true }

func parseArgs(argv []string, output io.Writer) (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("fossa", flag.ContinueOnError)
	fs.SetOutput(output)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.CheckPlan, "check-plan", false, checkPlanHelp)
	fs.String("config", "", configHelp)
	fs.BoolVar(&args.Copyright, "copyright", false, copyrightHelp)

	fs.StringVar(&args.Library, "library", controller.DefaultLibrary, libraryHelp)

	fs.StringVar(&args.Mode, "m", defaultArgMode, modeHelp)
	fs.IntVar(&args.MaxIterations, "max-iterations", defaultArgMaxIterations,
		maxIterationsHelp)

	fs.IntVar(&args.OOMScoreAdj, "oom", 0, oomHelp)

	fs.StringVar(&args.Plan, "plan", "", planHelp)
	fs.StringVar(&args.Project, "project", controller.DefaultProject, projectHelp)

	fs.BoolVar(&args.RequirePreload, "require-preload", false, requirePreload)
	fs.BoolVar(&args.Retune, "retune", false, retuneHelp)

	fs.BoolVar(&args.SymtabFallback, "symtab", false, symtabHelp)

	fs.Var(tuneFlag{&args.Mode}, "tune", tuneHelp)
	fs.IntVar(&args.Tuner, "tuner", defaultArgTuner, tunerHelp)

	fs.BoolVar(&args.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.Verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.VerifyRestore, "verify-restore", false, verifyHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: fossa [options] program [program options]\n\n")
		fs.PrintDefaults()
	}

	args.Fs = fs

	err := ff.Parse(fs, argv,
		ff.WithEnvVarPrefix("FOSSA"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "oom" {
			args.AdjustOOM = true
		}
	})
	if rest := fs.Args(); len(rest) > 0 {
		args.Program, args.Args = rest[0], rest[1:]
	} else if !args.Version && !args.Copyright {
		return nil, errNoProgram
	}
	args.Env = os.Environ()
	return &args, nil
}
