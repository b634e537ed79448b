// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "github.com/cuzmem/fossa/vc"

import (
	"fmt"
	"runtime/debug"
)

// Set at link time with -ldflags "-X github.com/cuzmem/fossa/vc.version=...".
var (
	revision       = ""
	buildTimestamp = ""
	// version in vX.Y.Z{-N-abbrev} format (via git-describe --tags)
	version = ""
)

// Revision of the build. Falls back to the VCS revision recorded by the Go
// toolchain when not set at link time.
func Revision() string {
	if revision != "" {
		return revision
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version returns the release version, or the module version of the main
// package for builds without link time information.
func Version() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

// String is the one line version banner printed by -version.
func String() string {
	s := fmt.Sprintf("fossa %s (revision %s", Version(), Revision())
	if buildTimestamp != "" {
		s += ", built " + buildTimestamp
	}
	return s + ")"
}
