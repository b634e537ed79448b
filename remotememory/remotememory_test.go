// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"bytes"
	"errors"
	"io"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzmem/fossa/libpf"
)

func RemoteMemTests(t *testing.T, rm RemoteMemory) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := libpf.Address(unsafe.Pointer(&data[0]))
	str := []byte("this is a string\x00")
	strPtr := libpf.Address(unsafe.Pointer(&str[0]))
	longStr := append(bytes.Repeat([]byte("long test string"), 4095/16), 0x00)
	longStrPtr := libpf.Address(unsafe.Pointer(&longStr[0]))

	foo := make([]byte, len(data))
	err := rm.Read(dataPtr, foo)
	if errors.Is(err, syscall.ENOSYS) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), rm.Uint32(dataPtr))
	assert.Equal(t, libpf.Address(0x0807060504030201), rm.Ptr(dataPtr))

	s, err := rm.String(strPtr, 256)
	require.NoError(t, err)
	assert.Equal(t, string(str[:len(str)-1]), s)

	s, err = rm.String(longStrPtr, 8192)
	require.NoError(t, err)
	assert.Equal(t, string(longStr[:len(longStr)-1]), s)

	_, err = rm.String(longStrPtr, 100)
	assert.Error(t, err)

	runtime.KeepAlive(data)
	runtime.KeepAlive(str)
	runtime.KeepAlive(longStr)
}

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	RemoteMemTests(t, NewProcessVirtualMemory(libpf.PID(os.Getpid()), 8))
}

// window is a ReaderAt exposing data at a fixed base address.
type window struct {
	base int64
	data []byte
}

func (w window) ReadAt(p []byte, off int64) (int, error) {
	if off < w.base || off-w.base > int64(len(w.data)) {
		return 0, errors.New("bad address")
	}
	n := copy(p, w.data[off-w.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestWordSize(t *testing.T) {
	mem := window{base: 0x1000, data: []byte{
		0x78, 0x56, 0x34, 0x12, 0xef, 0xbe, 0xad, 0xde,
		'l', 'i', 'b', 0, 0xff, 0xff, 0xff, 0xff,
		0x08, 0x10, 0, 0, 0, 0, 0, 0,
	}}

	rm32 := RemoteMemory{ReaderAt: mem, WordSize: 4}
	assert.Equal(t, libpf.Address(0x12345678), rm32.Ptr(0x1000))
	rm64 := RemoteMemory{ReaderAt: mem}
	assert.Equal(t, libpf.Address(0xdeadbeef12345678), rm64.Ptr(0x1000))

	// An all-ones value is data, not an error.
	v, err := rm32.Uint32Checked(0x100c)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), v)

	s, err := rm64.StringPtr(0x1010, 32)
	require.NoError(t, err)
	assert.Equal(t, "lib", s)

	_, err = rm64.PtrChecked(0x2000)
	assert.Error(t, err)
	assert.Equal(t, libpf.Address(0), rm64.Ptr(0x2000))

	_, err = rm64.Bytes(0x1014, 8)
	assert.Error(t, err)
	b, err := rm64.Bytes(0x1008, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("lib\x00"), b)
}
