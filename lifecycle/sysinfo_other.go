//go:build !linux

package lifecycle

func diskFreeMb(string) (int64, error) { return -1, nil }

func memFreeMb() (int64, error) { return -1, nil }
