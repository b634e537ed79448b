// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import "unsafe"

const unsafeSizeofPtr = unsafe.Sizeof(uintptr(0))
