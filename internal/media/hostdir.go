package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tinyrange/aboot/internal/efi"
)

// hostDir serves a host directory as a volume root.
type hostDir struct {
	root *os.Root
}

func openHostDir(dir string) (*hostDir, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hostError(err), err)
	}
	return &hostDir{root: root}, nil
}

func (d *hostDir) Open(name string) (File, error) {
	rel, err := cleanPath(name)
	if err != nil {
		return nil, err
	}
	f, err := d.root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hostError(err), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", efi.DeviceError, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", efi.NotFound, name)
	}
	return &hostFile{File: f, size: info.Size()}, nil
}

func (d *hostDir) Close() error { return d.root.Close() }

type hostFile struct {
	*os.File
	size int64
}

func (f *hostFile) Size() int64 { return f.size }

func hostError(err error) efi.Status {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return efi.NotFound
	case errors.Is(err, fs.ErrPermission):
		return efi.AccessDenied
	}
	return efi.DeviceError
}
