package media

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/tinyrange/aboot/internal/efi"
)

// diskfsDir serves files from a file system go-diskfs understands, in
// practice the FAT32 EFI system partition.
type diskfsDir struct {
	fs filesystem.FileSystem
}

func (d *diskfsDir) Open(name string) (File, error) {
	rel, err := cleanPath(name)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.OpenFile("/"+rel, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", efi.NotFound, rel, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: size of %s: %w", efi.DeviceError, rel, err)
	}
	return &seekerFile{f: f, size: size}, nil
}

func (d *diskfsDir) Close() error { return nil }

// seekerFile adapts a seekable file to io.ReaderAt.
type seekerFile struct {
	mu   sync.Mutex
	f    filesystem.File
	size int64
}

func (s *seekerFile) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off >= s.size {
		return 0, io.EOF
	}
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.f, p[:min(int64(len(p)), s.size-off)])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (s *seekerFile) Size() int64  { return s.size }
func (s *seekerFile) Close() error { return s.f.Close() }
