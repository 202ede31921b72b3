// Package mediatest provides in-memory volumes for tests.
package mediatest

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/media"
)

const loaderHandle efi.Handle = 1

// Volume is a partition with raw contents and a file system.
type Volume struct {
	GUID  uuid.UUID
	Raw   []byte
	Files map[string][]byte
}

// Volumes implements media.Volumes. It counts open handles so tests can
// check that everything opened was closed.
type Volumes struct {
	Loader     map[string][]byte
	Partitions []Volume

	mu   sync.Mutex
	open int
}

var _ media.Volumes = (*Volumes)(nil)

// Open returns the number of handles still open.
func (v *Volumes) Open() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *Volumes) opened() {
	v.mu.Lock()
	v.open++
	v.mu.Unlock()
}

func (v *Volumes) closed() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.open == 0 {
		return fmt.Errorf("%w: handle closed twice", efi.InvalidParameter)
	}
	v.open--
	return nil
}

func (v *Volumes) LoaderDevice() efi.Handle { return loaderHandle }

func (v *Volumes) LocatePartition(guid uuid.UUID) (efi.Handle, error) {
	var found []efi.Handle
	for i, p := range v.Partitions {
		if p.GUID == guid {
			found = append(found, efi.Handle(0x100+i))
		}
	}
	switch len(found) {
	case 0:
		return 0, efi.NotFound
	case 1:
		return found[0], nil
	}
	return 0, efi.VolumeCorrupted
}

func (v *Volumes) volume(h efi.Handle) (*Volume, error) {
	i := int(h) - 0x100
	if i < 0 || i >= len(v.Partitions) {
		return nil, efi.InvalidParameter
	}
	return &v.Partitions[i], nil
}

func (v *Volumes) OpenBlock(h efi.Handle) (media.BlockDevice, error) {
	vol, err := v.volume(h)
	if err != nil {
		return nil, err
	}
	v.opened()
	return &handle{Reader: bytes.NewReader(vol.Raw), vols: v}, nil
}

func (v *Volumes) OpenRoot(h efi.Handle) (media.Dir, error) {
	files := v.Loader
	if h != loaderHandle {
		vol, err := v.volume(h)
		if err != nil {
			return nil, err
		}
		files = vol.Files
	}
	if files == nil {
		return nil, efi.NotFound
	}
	v.opened()
	return &dir{files: files, vols: v}, nil
}

type dir struct {
	files map[string][]byte
	vols  *Volumes
}

// Open looks name up with separators normalized to '/' and no leading
// separator.
func (d *dir) Open(name string) (media.File, error) {
	key := strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/")
	data, ok := d.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", efi.NotFound, name)
	}
	d.vols.opened()
	return &handle{Reader: bytes.NewReader(data), vols: d.vols}, nil
}

func (d *dir) Close() error { return d.vols.closed() }

type handle struct {
	*bytes.Reader
	vols *Volumes
}

func (h *handle) Close() error { return h.vols.closed() }
