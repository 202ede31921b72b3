package sim

import (
	"fmt"
	"io"

	"github.com/tinyrange/aboot/internal/efi"
)

// physMemory is a flat byte slice standing in for physical memory starting
// at address zero.
type physMemory struct {
	mem []byte
}

func (m *physMemory) bounds(off int64) (int, error) {
	if off < 0 || uint64(off) >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("%w: physical address %#x outside memory", efi.InvalidParameter, off)
	}
	return int(off), nil
}

func (m *physMemory) ReadAt(p []byte, off int64) (int, error) {
	start, err := m.bounds(off)
	if err != nil {
		return 0, err
	}
	n := copy(p, m.mem[start:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *physMemory) WriteAt(p []byte, off int64) (int, error) {
	start, err := m.bounds(off)
	if err != nil {
		return 0, err
	}
	n := copy(m.mem[start:], p)
	if n < len(p) {
		return n, fmt.Errorf("%w: write of %#x bytes at %#x runs past end of memory", efi.InvalidParameter, len(p), off)
	}
	return n, nil
}
