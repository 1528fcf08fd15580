//go:build linux

package lifecycle

import "golang.org/x/sys/unix"

func diskFreeMb(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail) * st.Bsize / (1 << 20), nil
}

func memFreeMb() (int64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return -1, err
	}
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * uint64(si.Unit)
	return int64(free / (1 << 20)), nil
}
