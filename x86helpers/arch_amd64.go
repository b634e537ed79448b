// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package x86helpers // import "github.com/cuzmem/fossa/x86helpers"

// Native returns the architecture of the running binary. Tracees are
// expected to match it.
func Native() (Arch, bool) {
	return AMD64, true
}
