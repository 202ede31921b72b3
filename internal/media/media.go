// Package media locates and opens the boot image: either a whole partition
// addressed by GUID or a file on a partition's (or the loader's own) file
// system.
package media

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
)

// BlockDevice is raw access to a partition.
type BlockDevice interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// File is an open file on a volume.
type File interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// Dir is the root directory of a volume. Paths use either separator and are
// resolved from the root.
type Dir interface {
	Open(name string) (File, error)
	Close() error
}

// Volumes is the firmware's view of storage.
type Volumes interface {
	// LocatePartition returns the partition with the given unique GUID.
	// It fails with NotFound when no partition matches and
	// VolumeCorrupted when more than one does.
	LocatePartition(guid uuid.UUID) (efi.Handle, error)
	// LoaderDevice returns the device the loader itself was started from.
	LoaderDevice() efi.Handle
	OpenBlock(h efi.Handle) (BlockDevice, error)
	OpenRoot(h efi.Handle) (Dir, error)
}

// Kind distinguishes the two ways a boot image can be stored.
type Kind int

const (
	KindPartition Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "partition"
}

// Source is an opened boot image.
type Source struct {
	kind  Kind
	block BlockDevice
	dir   Dir
	file  File
	name  string
}

// Open opens the boot image selected by partition and name. With only a
// partition the whole partition is the image. With a name the image is a
// file on the partition, or on the loader's device when partition is nil.
func Open(vols Volumes, partition *uuid.UUID, name string) (*Source, error) {
	if partition == nil && name == "" {
		return nil, fmt.Errorf("%w: no boot image given", efi.InvalidParameter)
	}

	handle := vols.LoaderDevice()
	if partition != nil {
		h, err := vols.LocatePartition(*partition)
		if err != nil {
			return nil, fmt.Errorf("locate partition %s: %w", partition, err)
		}
		handle = h
	}

	if name == "" {
		block, err := vols.OpenBlock(handle)
		if err != nil {
			return nil, fmt.Errorf("open partition %s: %w", partition, err)
		}
		return &Source{kind: KindPartition, block: block, name: partition.String()}, nil
	}

	dir, err := vols.OpenRoot(handle)
	if err != nil {
		return nil, fmt.Errorf("open file system: %w", err)
	}
	file, err := dir.Open(name)
	if err != nil {
		if cerr := dir.Close(); cerr != nil {
			slog.Warn("close file system", "err", cerr)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Source{kind: KindFile, dir: dir, file: file, name: name}, nil
}

func (s *Source) Kind() Kind     { return s.kind }
func (s *Source) String() string { return s.kind.String() + " " + s.name }

func (s *Source) reader() io.ReaderAt {
	if s.kind == KindFile {
		return s.file
	}
	return s.block
}

func (s *Source) Size() int64 {
	if s.kind == KindFile {
		return s.file.Size()
	}
	return s.block.Size()
}

// ReadAt reads from the image. Errors other than end of file are reported
// as device errors.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.reader().ReadAt(p, off)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: read %s at %#x: %w", efi.DeviceError, s, off, err)
	}
	return n, err
}

// Close releases the file and its file system, or the partition.
func (s *Source) Close() error {
	if s.kind == KindPartition {
		return s.block.Close()
	}
	ferr := s.file.Close()
	derr := s.dir.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}

// cleanPath converts a firmware path into a slash separated path relative
// to the volume root.
func cleanPath(name string) (string, error) {
	name = strings.ReplaceAll(name, string(efi.PathSeparator), "/")
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: empty path", efi.InvalidParameter)
	}
	return name, nil
}
