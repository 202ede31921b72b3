//go:build unix

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapMemory(size uint64) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, fmt.Errorf("map %#x bytes of physical memory: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
