// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/cuzmem/fossa/libpf"

import (
	"github.com/zeebo/xxh3"
)

// Address represents an address, or offset within a process
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(adr >> (8 * i))
	}
	return xxh3.Hash(buf[:])
}
