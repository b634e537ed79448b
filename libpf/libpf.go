// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the basic types shared by the tracer, the ELF reader
// and the remote link map resolver.
package libpf // import "github.com/cuzmem/fossa/libpf"
