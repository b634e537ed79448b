// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// fossactl inspects programs and running processes the way fossa sees them:
// symbol tables of ELF files, link maps and hook addresses of live processes
// and the machine code of the injected stubs.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func newRootCmd(out io.Writer) *ffcli.Command {
	return &ffcli.Command{
		Name:       "fossactl",
		ShortUsage: "fossactl <subcommand> [flags]",
		ShortHelp:  "Diagnostics for fossa tuning sessions",
		Subcommands: []*ffcli.Command{
			newSymbolsCmd(out),
			newModulesCmd(out),
			newResolveCmd(out),
			newStubsCmd(out),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := newRootCmd(os.Stdout)
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
