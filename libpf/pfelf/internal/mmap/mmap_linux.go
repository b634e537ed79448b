//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mmap // import "github.com/cuzmem/fossa/libpf/pfelf/internal/mmap"

import "syscall"

// Symbol tables are scanned front to back.
func (r *ReaderAt) adviseSequential() error {
	return syscall.Madvise(r.data, syscall.MADV_SEQUENTIAL)
}
