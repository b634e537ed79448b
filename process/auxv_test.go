// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"encoding/binary"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzmem/fossa/libpf"
)

func TestParseAuxv(t *testing.T) {
	var data []byte
	for _, kv := range [][2]uint32{
		{AtPhdr, 0x08048034},
		{AtPhnum, 9},
		{AtEntry, 0x08048330},
		{AtNull, 0},
		{AtBase, 0xdead},
	} {
		data = binary.LittleEndian.AppendUint32(data, kv[0])
		data = binary.LittleEndian.AppendUint32(data, kv[1])
	}

	auxv, err := ParseAuxv(data, 4)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x08048034), auxv.Phdr())
	assert.Equal(t, 9, auxv.Phnum())
	assert.Equal(t, libpf.Address(0x08048330), auxv.Entry())
	_, ok := auxv[AtBase]
	assert.False(t, ok)

	_, err = ParseAuxv(data, 3)
	assert.Error(t, err)
}

func TestReadAuxvSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	auxv, err := ReadAuxv(libpf.PID(os.Getpid()), int(unsafeSizeofPtr))
	require.NoError(t, err)
	assert.NotZero(t, auxv.Entry())
	assert.NotZero(t, auxv.Phdr())
}

func TestSetOOMScoreAdjRange(t *testing.T) {
	assert.Error(t, SetOOMScoreAdj(1, 1001))
	assert.Error(t, SetOOMScoreAdj(1, -1001))
}

func TestOOMHint(t *testing.T) {
	assert.Contains(t, OOMHint(), "out-of-memory killer")
}
