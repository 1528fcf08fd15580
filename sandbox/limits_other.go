//go:build !linux

package sandbox

// applyMemoryLimit is a no-op on platforms without prlimit; the darwin
// sandbox profile bounds the child instead.
func applyMemoryLimit(pid int, maxMemoryMb int64) error {
	return nil
}
