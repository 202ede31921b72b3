package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
)

const (
	ext4SuperblockOffset = 1024
	ext4MagicOffset      = ext4SuperblockOffset + 0x38
	ext4Magic            = 0xef53
)

// Disk is a GPT partitioned disk image.
type Disk struct {
	Path       string
	Partitions []*Partition

	f *os.File
	d *disk.Disk
}

// Partition is one GPT entry of a Disk.
type Partition struct {
	// Index is the 1-based partition number.
	Index int
	GUID  uuid.UUID
	Name  string
	Start int64
	Size  int64

	disk *Disk
}

// OpenDisk reads the GPT of the image at path.
func OpenDisk(path string) (*Disk, error) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("%w: open disk %s: %w", efi.DeviceError, path, err)
	}
	table, err := d.GetPartitionTable()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: read partition table of %s: %w", efi.VolumeCorrupted, path, err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		d.Close()
		return nil, fmt.Errorf("%w: %s has a %s partition table, not gpt", efi.Unsupported, path, table.Type())
	}

	f, err := os.Open(path)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %w", hostError(err), err)
	}

	out := &Disk{Path: path, f: f, d: d}
	for i, p := range gptTable.Partitions {
		if p == nil || p.Type == gpt.Unused {
			continue
		}
		guid, err := uuid.Parse(p.GUID)
		if err != nil {
			slog.Warn("skipping partition with malformed GUID", "disk", path, "index", i+1, "guid", p.GUID)
			continue
		}
		out.Partitions = append(out.Partitions, &Partition{
			Index: i + 1,
			GUID:  guid,
			Name:  p.Name,
			Start: p.GetStart(),
			Size:  p.GetSize(),
			disk:  out,
		})
	}
	slog.Debug("opened disk", "path", path, "partitions", len(out.Partitions))
	return out, nil
}

func (d *Disk) Close() error {
	ferr := d.f.Close()
	if err := d.d.Close(); err != nil {
		return err
	}
	return ferr
}

func (p *Partition) section() *io.SectionReader {
	return io.NewSectionReader(p.disk.f, p.Start, p.Size)
}

// OpenBlock returns raw access to the partition contents.
func (p *Partition) OpenBlock() BlockDevice {
	return &blockDevice{SectionReader: p.section()}
}

// OpenRoot opens the partition's file system. ext4 is detected by its
// superblock magic; anything else is handed to go-diskfs.
func (p *Partition) OpenRoot() (Dir, error) {
	var magic [2]byte
	if _, err := p.disk.f.ReadAt(magic[:], p.Start+ext4MagicOffset); err == nil && binary.LittleEndian.Uint16(magic[:]) == ext4Magic {
		return newExt4Dir(p.section())
	}

	fs, err := p.disk.d.GetFilesystem(p.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: partition %d of %s: %w", efi.Unsupported, p.Index, p.disk.Path, err)
	}
	return &diskfsDir{fs: fs}, nil
}

type blockDevice struct {
	*io.SectionReader
}

func (b *blockDevice) Close() error { return nil }
