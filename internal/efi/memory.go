package efi

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// MemoryType is the type of a memory map region.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	UnacceptedMemoryType
	MaxMemoryType
)

var memoryTypeNames = [...]string{
	"reserved",
	"loader-code",
	"loader-data",
	"boot-services-code",
	"boot-services-data",
	"runtime-services-code",
	"runtime-services-data",
	"conventional",
	"unusable",
	"acpi-reclaim",
	"acpi-nvs",
	"mmio",
	"mmio-port-space",
	"pal-code",
	"persistent",
	"unaccepted",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("memory-type(%d)", uint32(t))
}

// ParseMemoryType is the inverse of MemoryType.String.
func ParseMemoryType(s string) (MemoryType, error) {
	for i, name := range memoryTypeNames {
		if name == s {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown memory type %q", InvalidParameter, s)
}

// MemoryDescriptorSize is the packed size of MemoryDescriptor. Firmware may
// report a larger stride, so map buffers must be walked with the stride the
// firmware returns.
const MemoryDescriptorSize = 40

// MemoryDescriptor is a single entry of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first address past the region.
func (d *MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// Size returns the region size in bytes.
func (d *MemoryDescriptor) Size() uint64 {
	return d.NumberOfPages * PageSize
}

func (d *MemoryDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MemoryDescriptorSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *MemoryDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < MemoryDescriptorSize {
		return io.ErrUnexpectedEOF
	}
	_, err := binary.Decode(data[:MemoryDescriptorSize], binary.LittleEndian, d)
	return err
}

// DecodeMemoryMap splits a memory map buffer into descriptors using the
// firmware reported stride.
func DecodeMemoryMap(buf []byte, descriptorSize int) ([]MemoryDescriptor, error) {
	if descriptorSize < MemoryDescriptorSize {
		return nil, fmt.Errorf("%w: descriptor size %d smaller than %d", InvalidParameter, descriptorSize, MemoryDescriptorSize)
	}
	n := len(buf) / descriptorSize
	out := make([]MemoryDescriptor, n)
	for i := range out {
		if err := out[i].UnmarshalBinary(buf[i*descriptorSize:]); err != nil {
			return nil, fmt.Errorf("decode memory descriptor %d: %w", i, err)
		}
	}
	return out, nil
}

// EncodeMemoryMap writes descs into buf with the given stride and returns the
// number of bytes used.
func EncodeMemoryMap(buf []byte, descs []MemoryDescriptor, descriptorSize int) (int, error) {
	if descriptorSize < MemoryDescriptorSize {
		return 0, fmt.Errorf("%w: descriptor size %d smaller than %d", InvalidParameter, descriptorSize, MemoryDescriptorSize)
	}
	need := len(descs) * descriptorSize
	if len(buf) < need {
		return need, BufferTooSmall
	}
	for i := range descs {
		entry := buf[i*descriptorSize : (i+1)*descriptorSize]
		clear(entry)
		if _, err := binary.Encode(entry, binary.LittleEndian, &descs[i]); err != nil {
			return 0, err
		}
	}
	return need, nil
}

// SizeToPages returns the number of pages needed to hold size bytes.
func SizeToPages(size uint64) uint64 {
	return (size + PageMask) >> PageShift
}

// AlignUp rounds value up to a multiple of align. It reports false if the
// result does not fit in 64 bits.
func AlignUp(value, align uint64) (uint64, bool) {
	if align <= 1 {
		return value, true
	}
	rem := value % align
	if rem == 0 {
		return value, true
	}
	out := value + (align - rem)
	return out, out > value
}

func AlignDown(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	return value - value%align
}
