//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mmap // import "github.com/cuzmem/fossa/libpf/pfelf/internal/mmap"

func (r *ReaderAt) adviseSequential() error {
	return nil
}
