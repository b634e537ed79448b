// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmap is inspired by golang.org/x/exp/mmap with
// additional functionality.
package mmap // import "github.com/cuzmem/fossa/libpf/pfelf/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
)

var (
	// ErrInvalRequest indicates that the requested data exceeds the available mapped data.
	ErrInvalRequest = errors.New("invalid request")
)

// ReaderAt reads a memory-mapped file.
//
// Like any io.ReaderAt, clients can execute parallel ReadAt calls, but it is
// not safe to call Close and reading methods concurrently.
type ReaderAt struct {
	data []byte
	// mapped is false when data is a heap copy of the file.
	mapped bool
}

// Close closes the reader.
func (r *ReaderAt) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if !r.mapped || len(data) == 0 {
		return nil
	}
	runtime.SetFinalizer(r, nil)
	return syscall.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// Mapped reports whether the data is backed by a file mapping.
func (r *ReaderAt) Mapped() bool {
	return r.mapped
}

// At returns the byte at index i.
func (r *ReaderAt) At(i int) byte {
	return r.data[i]
}

// ReadAt implements the io.ReaderAt interface.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.data == nil {
		return 0, errors.New("mmap: closed")
	}
	if off < 0 || int64(len(r.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Subslice returns a subset of the backing data without copying.
func (r *ReaderAt) Subslice(offset, length uint64) ([]byte, error) {
	size := uint64(r.Len())
	if offset > size || length > size-offset {
		return nil, fmt.Errorf("requested data %d at 0x%x exceeds %d: %w",
			length, offset, size, ErrInvalRequest)
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Open memory-maps the named file for reading. If the file cannot be mapped
// its contents are read into memory instead; a short read is an error.
func Open(filename string) (*ReaderAt, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// Treat (size == 0) as a special case, avoiding the syscall, since
		// "man 2 mmap" says "the length... must be greater than 0".
		return &ReaderAt{data: make([]byte, 0)}, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("mmap: file %q has negative size", filename)
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", filename)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		return readAll(f, filename, size)
	}
	r := &ReaderAt{data: data, mapped: true}
	_ = r.adviseSequential()

	runtime.SetFinalizer(r, (*ReaderAt).Close)
	return r, nil
}

func readAll(f *os.File, filename string, size int64) (*ReaderAt, error) {
	data := make([]byte, size)
	n, err := io.ReadFull(f, data)
	if err != nil {
		return nil, fmt.Errorf("mmap: short read of %q (%d of %d bytes): %w",
			filename, n, size, err)
	}
	return &ReaderAt{data: data}, nil
}
