// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/cuzmem/fossa/libpf"

// PID represent Unix Process ID (pid_t)
type PID uint32
