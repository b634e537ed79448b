//go:build !amd64 && !386

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package x86helpers // import "github.com/cuzmem/fossa/x86helpers"

// Native returns false as the running binary is not an x86 build.
func Native() (Arch, bool) {
	return Arch{}, false
}
