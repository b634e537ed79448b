// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

// General purpose register numbers as used in x86 instruction encodings.
// Numbers 8 to 15 are the REX extended registers of amd64.
const (
	RegAx = 0
	RegCx = 1
	RegDx = 2
	RegBx = 3
	RegSp = 4
	RegBp = 5
	RegSi = 6
	RegDi = 7
)
