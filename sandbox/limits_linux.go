//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyMemoryLimit caps the child's address space via RLIMIT_AS.
func applyMemoryLimit(pid int, maxMemoryMb int64) error {
	if maxMemoryMb <= 0 {
		return nil
	}
	limit := uint64(maxMemoryMb) << 20
	rlim := unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
		return fmt.Errorf("set memory limit for pid %d: %w", pid, err)
	}
	return nil
}
