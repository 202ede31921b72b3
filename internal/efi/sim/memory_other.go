//go:build !unix

package sim

func mapMemory(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
