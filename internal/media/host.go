package media

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
)

const (
	// LoaderHandle is the handle of the loader's own device.
	LoaderHandle   efi.Handle = 1
	partitionBase  efi.Handle = 0x100
	maxPartHandles            = 0x10000
)

// Host implements Volumes over host resources: a directory standing in for
// the device the loader was started from, and GPT disk images.
type Host struct {
	loaderDir string
	disks     []*Disk
	handles   map[efi.Handle]*Partition
}

var _ Volumes = (*Host)(nil)

// NewHost opens every disk image. loaderDir may be empty when the loader's
// device has no usable file system.
func NewHost(loaderDir string, diskPaths []string) (*Host, error) {
	h := &Host{
		loaderDir: loaderDir,
		handles:   make(map[efi.Handle]*Partition),
	}
	next := partitionBase
	for _, path := range diskPaths {
		d, err := OpenDisk(path)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.disks = append(h.disks, d)
		for _, p := range d.Partitions {
			if next >= partitionBase+maxPartHandles {
				h.Close()
				return nil, fmt.Errorf("%w: too many partitions", efi.OutOfResources)
			}
			h.handles[next] = p
			next++
		}
	}
	return h, nil
}

func (h *Host) Close() error {
	var first error
	for _, d := range h.disks {
		if err := d.Close(); err != nil {
			slog.Warn("close disk", "path", d.Path, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	h.disks = nil
	return first
}

func (h *Host) LoaderDevice() efi.Handle { return LoaderHandle }

func (h *Host) LocatePartition(guid uuid.UUID) (efi.Handle, error) {
	var (
		found efi.Handle
		count int
	)
	for handle, p := range h.handles {
		if p.GUID == guid {
			found = handle
			count++
		}
	}
	switch count {
	case 0:
		return 0, efi.NotFound
	case 1:
		return found, nil
	}
	return 0, fmt.Errorf("%w: %d partitions share GUID %s", efi.VolumeCorrupted, count, guid)
}

func (h *Host) partition(handle efi.Handle) (*Partition, error) {
	p, ok := h.handles[handle]
	if !ok {
		return nil, fmt.Errorf("%w: no partition with handle %#x", efi.InvalidParameter, uint64(handle))
	}
	return p, nil
}

func (h *Host) OpenBlock(handle efi.Handle) (BlockDevice, error) {
	if handle == LoaderHandle {
		return nil, fmt.Errorf("%w: loader device has no block access", efi.Unsupported)
	}
	p, err := h.partition(handle)
	if err != nil {
		return nil, err
	}
	return p.OpenBlock(), nil
}

func (h *Host) OpenRoot(handle efi.Handle) (Dir, error) {
	if handle == LoaderHandle {
		if h.loaderDir == "" {
			return nil, fmt.Errorf("%w: loader device has no file system", efi.NotFound)
		}
		return openHostDir(h.loaderDir)
	}
	p, err := h.partition(handle)
	if err != nil {
		return nil, err
	}
	return p.OpenRoot()
}
