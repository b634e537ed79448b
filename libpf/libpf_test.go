// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolLocation(t *testing.T) {
	sl := SymbolLocation{Address: 0x1000, Length: 0x20}

	assert.Equal(t, Address(0x1020), sl.End())
	assert.True(t, sl.Contains(0x1000))
	assert.True(t, sl.Contains(0x101f))
	assert.False(t, sl.Contains(0x1020))
	assert.False(t, sl.Contains(0xfff))
	assert.Equal(t, "0x1000+32", sl.String())

	moved := sl.Relocate(0x555555554000)
	assert.Equal(t, Address(0x555555555000), moved.Address)
	assert.Equal(t, sl.Length, moved.Length)
}

func TestAddressHash(t *testing.T) {
	a, b := Address(0x401000), Address(0x402000)

	assert.Equal(t, a.Hash(), Address(0x401000).Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, uint32(a.Hash()), a.Hash32())
}
