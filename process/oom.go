// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuzmem/fossa/libpf"
)

// OOMHint describes the host memory situation for a tracee killed by SIGKILL.
func OOMHint() string {
	const hint = "likely killed by the out-of-memory killer; " +
		"consider lowering its -oom value"
	vm, err := mem.VirtualMemory()
	if err != nil {
		return hint
	}
	return fmt.Sprintf("%s (host memory: %d MiB available of %d MiB)",
		hint, vm.Available>>20, vm.Total>>20)
}

// SetOOMScoreAdj adjusts the out-of-memory killer preference of pid. Valid
// values range from -1000 (never kill) to 1000 (kill first).
func SetOOMScoreAdj(pid libpf.PID, value int) error {
	if value < -1000 || value > 1000 {
		return fmt.Errorf("oom_score_adj %d out of range [-1000, 1000]", value)
	}
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(strconv.Itoa(value)), 0); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}
