package media

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/dsoprea/go-ext4"
	"github.com/tinyrange/aboot/internal/efi"
)

// ext4Dir reads files from an ext4 file system by walking directories from
// the root inode.
type ext4Dir struct {
	rs io.ReadSeeker
}

func newExt4Dir(rs io.ReadSeeker) (*ext4Dir, error) {
	d := &ext4Dir{rs: rs}
	if _, err := d.blockGroupDescriptor(ext4.InodeRootDirectory); err != nil {
		return nil, fmt.Errorf("%w: ext4: %w", efi.VolumeCorrupted, err)
	}
	return d, nil
}

func (d *ext4Dir) blockGroupDescriptor(inode int) (*ext4.BlockGroupDescriptor, error) {
	if _, err := d.rs.Seek(ext4.Superblock0Offset, io.SeekStart); err != nil {
		return nil, err
	}
	sb, err := ext4.NewSuperblockWithReader(d.rs)
	if err != nil {
		return nil, err
	}
	bgdl, err := ext4.NewBlockGroupDescriptorListWithReadSeeker(d.rs, sb)
	if err != nil {
		return nil, err
	}
	return bgdl.GetWithAbsoluteInode(inode)
}

// lookup resolves name one component at a time and returns the inode and
// its block group descriptor.
func (d *ext4Dir) lookup(components []string) (int, *ext4.BlockGroupDescriptor, error) {
	bgd, err := d.blockGroupDescriptor(ext4.InodeRootDirectory)
	if err != nil {
		return 0, nil, err
	}
	dw, err := ext4.NewDirectoryWalk(d.rs, bgd, ext4.InodeRootDirectory)
	if err != nil {
		return 0, nil, err
	}

	i := 0
	for {
		p, de, err := dw.Next()
		if err == io.EOF {
			return 0, nil, efi.NotFound
		}
		if err != nil {
			return 0, nil, err
		}
		if p != components[i] {
			continue
		}

		inode := int(de.Data().Inode)
		bgd, err := d.blockGroupDescriptor(inode)
		if err != nil {
			return 0, nil, err
		}
		if i == len(components)-1 {
			return inode, bgd, nil
		}
		dw, err = ext4.NewDirectoryWalk(d.rs, bgd, inode)
		if err != nil {
			return 0, nil, err
		}
		i++
	}
}

func (d *ext4Dir) Open(name string) (File, error) {
	rel, err := cleanPath(name)
	if err != nil {
		return nil, err
	}

	inodeNumber, bgd, err := d.lookup(strings.Split(rel, "/"))
	if err != nil {
		return nil, fmt.Errorf("ext4 %s: %w", rel, err)
	}
	inode, err := ext4.NewInodeWithReadSeeker(bgd, d.rs, inodeNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: ext4 inode %d: %w", efi.DeviceError, inodeNumber, err)
	}

	en := ext4.NewExtentNavigatorWithReadSeeker(d.rs, inode)
	data, err := io.ReadAll(ext4.NewInodeReader(en))
	if err != nil {
		return nil, fmt.Errorf("%w: ext4 read %s: %w", efi.DeviceError, rel, err)
	}
	return &memFile{Reader: bytes.NewReader(data)}, nil
}

func (d *ext4Dir) Close() error { return nil }

type memFile struct {
	*bytes.Reader
}

func (f *memFile) Close() error { return nil }
