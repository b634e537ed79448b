// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzmem/fossa/libpf/pfelf"
	"github.com/cuzmem/fossa/testsupport"
)

func writeObject(t *testing.T) string {
	t.Helper()
	path, err := testsupport.WriteELF(t.TempDir(), "libdemo.so", testsupport.ELFSpec{
		Class:   elf.ELFCLASS64,
		Type:    elf.ET_DYN,
		Machine: elf.EM_X86_64,
		DynSymbols: []testsupport.ELFSymbol{
			{Name: "_ZN4gemm3runEv", Value: 0x1200, Size: 16, Type: elf.STT_FUNC},
			{Name: "table", Value: 0x4000, Size: 64, Type: elf.STT_OBJECT},
		},
		Symbols: []testsupport.ELFSymbol{
			{Name: "helper", Value: 0x1100, Size: 8, Type: elf.STT_FUNC},
		},
	})
	require.NoError(t, err)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newRootCmd(&out).ParseAndRun(context.Background(), args)
	return out.String(), err
}

func TestSymbols(t *testing.T) {
	path := writeObject(t)

	out, err := run(t, "symbols", "-demangle", path)
	require.NoError(t, err)
	assert.Contains(t, out, "gemm::run()")
	assert.Contains(t, out, "table")
	assert.NotContains(t, out, "helper")

	out, err = run(t, "symbols", "-symtab", "-funcs", path)
	require.NoError(t, err)
	assert.Contains(t, out, "_ZN4gemm3runEv")
	assert.Contains(t, out, "helper")
	assert.NotContains(t, out, "table")
	// Sorted by address.
	assert.Less(t, bytes.Index([]byte(out), []byte("helper")),
		bytes.Index([]byte(out), []byte("_ZN4gemm3runEv")))
}

func TestSymbolsLookup(t *testing.T) {
	path := writeObject(t)

	out, err := run(t, "symbols", path, "table")
	require.NoError(t, err)
	assert.Equal(t, "table 0x4000+64\n", out)

	_, err = run(t, "symbols", path, "helper")
	assert.ErrorIs(t, err, pfelf.ErrSymbolNotFound)
}

func TestStubs(t *testing.T) {
	for _, arch := range []string{"386", "amd64"} {
		t.Run(arch, func(t *testing.T) {
			out, err := run(t, "stubs", "-arch", arch, "-project", "gemm", "-plan", "p1")
			require.NoError(t, err)
			for _, kind := range []string{"start", "end", "string", "strings", "int"} {
				assert.Contains(t, out, kind+" stub ("+arch)
			}
			assert.Regexp(t, `int3|int 0x3`, out)
			assert.Contains(t, out, `"gemm"`)
			assert.Contains(t, out, `"p1"`)
		})
	}
}

func TestRemoteNeedsPID(t *testing.T) {
	_, err := run(t, "modules")
	assert.ErrorContains(t, err, "-pid")
	_, err = run(t, "resolve")
	assert.ErrorContains(t, err, "-pid")
}
