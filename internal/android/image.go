// Package android reads legacy Android boot images: a page sized header
// followed by page aligned kernel, ramdisk and second stage blobs.
package android

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/tinyrange/aboot/internal/efi"
)

const (
	Magic = "ANDROID!"

	HeaderSize       = 1632
	NameSize         = 16
	CmdlineSize      = 512
	ExtraCmdlineSize = 1024
	IDSize           = 8
)

// Header is the on-disk boot image header. Fields are little endian and
// packed with no padding.
type Header struct {
	Magic       [8]byte
	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32
	TagsAddr    uint32
	PageSize    uint32
	// HeaderVersion is unused in version 0 images and holds dt_size in
	// some vendor variants.
	HeaderVersion uint32
	OSVersion     uint32
	Name          [NameSize]byte
	Cmdline       [CmdlineSize]byte
	ID            [IDSize]uint32
	ExtraCmdline  [ExtraCmdlineSize]byte
}

func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return io.ErrUnexpectedEOF
	}
	_, err := binary.Decode(data[:HeaderSize], binary.LittleEndian, h)
	return err
}

// Image is an opened boot image.
type Image struct {
	r      io.ReaderAt
	Header Header
}

// Open reads and validates the header of the boot image in r.
func Open(r io.ReaderAt) (*Image, error) {
	buf := make([]byte, HeaderSize)
	if err := readFull(r, buf, 0); err != nil {
		return nil, fmt.Errorf("read boot image header: %w", err)
	}

	img := &Image{r: r}
	if err := img.Header.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("decode boot image header: %w", err)
	}
	if string(img.Header.Magic[:]) != Magic {
		return nil, fmt.Errorf("%w: bad boot image magic %q", efi.LoadError, img.Header.Magic[:])
	}
	if ps := img.Header.PageSize; ps == 0 || bits.OnesCount32(ps) != 1 {
		return nil, fmt.Errorf("%w: invalid boot image page size %#x", efi.LoadError, ps)
	}
	return img, nil
}

func (img *Image) pageSize() uint64 { return uint64(img.Header.PageSize) }

// KernelOffset returns the image offset of the kernel blob.
func (img *Image) KernelOffset() uint64 { return img.pageSize() }

func (img *Image) KernelSize() uint32 { return img.Header.KernelSize }

// ReadKernel reads len(p) bytes starting at offset off into the kernel blob.
// Reads that would run past the kernel blob fail with LoadError.
func (img *Image) ReadKernel(p []byte, off uint64) error {
	size := uint64(img.Header.KernelSize)
	if off > size || uint64(len(p)) > size-off {
		return fmt.Errorf("%w: kernel read of %#x bytes at %#x exceeds kernel size %#x", efi.LoadError, len(p), off, size)
	}
	if err := readFull(img.r, p, int64(img.KernelOffset()+off)); err != nil {
		return fmt.Errorf("read kernel at %#x: %w", off, err)
	}
	return nil
}

// KernelReader returns a reader for the kernel blob starting at off.
func (img *Image) KernelReader(off uint64) (*io.SectionReader, error) {
	size := uint64(img.Header.KernelSize)
	if off > size {
		return nil, fmt.Errorf("%w: kernel offset %#x exceeds kernel size %#x", efi.LoadError, off, size)
	}
	return io.NewSectionReader(img.r, int64(img.KernelOffset()+off), int64(size-off)), nil
}

// RamdiskOffset returns the image offset of the embedded ramdisk, which
// follows the kernel rounded up to a whole page.
func (img *Image) RamdiskOffset() uint64 {
	ps := img.pageSize()
	kernel := (uint64(img.Header.KernelSize) + ps - 1) &^ (ps - 1)
	return ps + kernel
}

func (img *Image) RamdiskSize() uint32 { return img.Header.RamdiskSize }

// RamdiskReader returns a reader over the embedded ramdisk.
func (img *Image) RamdiskReader() *io.SectionReader {
	return io.NewSectionReader(img.r, int64(img.RamdiskOffset()), int64(img.Header.RamdiskSize))
}

// Cmdline returns the embedded command line. The header splits it across
// a 512 byte field and a 1024 byte continuation; the continuation only
// counts when the first field is not terminated.
func (img *Image) Cmdline() []byte {
	h := &img.Header
	if i := bytes.IndexByte(h.Cmdline[:], 0); i >= 0 {
		return bytes.Clone(h.Cmdline[:i])
	}
	full := make([]byte, 0, CmdlineSize+ExtraCmdlineSize)
	full = append(full, h.Cmdline[:]...)
	full = append(full, h.ExtraCmdline[:]...)
	if i := bytes.IndexByte(full, 0); i >= 0 {
		return full[:i]
	}
	return full
}

// Name returns the product name recorded in the header.
func (img *Image) Name() string {
	name := img.Header.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// OSVersion decodes the packed os_version field.
type OSVersion struct {
	Major, Minor, Patch int
	Year, Month         int
}

func (v OSVersion) String() string {
	if v == (OSVersion{}) {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d (%04d-%02d)", v.Major, v.Minor, v.Patch, v.Year, v.Month)
}

func (img *Image) OSVersion() OSVersion {
	raw := img.Header.OSVersion
	if raw == 0 {
		return OSVersion{}
	}
	ver := raw >> 11
	lvl := raw & 0x7ff
	return OSVersion{
		Major: int(ver>>14) & 0x7f,
		Minor: int(ver>>7) & 0x7f,
		Patch: int(ver) & 0x7f,
		Year:  int(lvl>>4) + 2000,
		Month: int(lvl & 0xf),
	}
}

// EncodeOSVersion packs v into the os_version field format.
func EncodeOSVersion(v OSVersion) uint32 {
	ver := uint32(v.Major&0x7f)<<14 | uint32(v.Minor&0x7f)<<7 | uint32(v.Patch&0x7f)
	lvl := uint32((v.Year-2000)&0x7f)<<4 | uint32(v.Month&0xf)
	return ver<<11 | lvl
}

// readFull reads exactly len(p) bytes at off. A short source is reported as
// a truncated image.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: boot image truncated at %#x", efi.LoadError, off+int64(n))
	}
	return err
}
