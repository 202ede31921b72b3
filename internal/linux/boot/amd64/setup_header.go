package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aboot/internal/efi"
)

// SetupHeader is the decoded Linux/x86 setup_header. Offsets are relative to
// the start of boot_params.
type SetupHeader struct {
	SetupSectors        uint8
	BootFlag            uint16
	Header              [4]byte
	ProtocolVersion     uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	HeapEndPtr          uint16
	CmdLinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
}

// ParseSetupHeader decodes the setup header from a boot_params sized
// buffer.
func ParseSetupHeader(data []byte) (SetupHeader, error) {
	if len(data) < kernelInfoOffsetOffset {
		return SetupHeader{}, fmt.Errorf("%w: boot params buffer of %d bytes too small", efi.InvalidParameter, len(data))
	}

	var hdr SetupHeader
	hdr.SetupSectors = data[setupSectsOffset]
	hdr.BootFlag = binary.LittleEndian.Uint16(data[setupHeaderBootFlagOffset : setupHeaderBootFlagOffset+2])
	copy(hdr.Header[:], data[setupHeaderHeaderOffset:setupHeaderHeaderOffset+4])
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset : protocolVersionOffset+2])
	hdr.TypeOfLoader = data[typeOfLoaderOffset]
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset : code32StartOffset+4])
	hdr.RamdiskImage = binary.LittleEndian.Uint32(data[ramdiskImageOffset : ramdiskImageOffset+4])
	hdr.RamdiskSize = binary.LittleEndian.Uint32(data[ramdiskSizeOffset : ramdiskSizeOffset+4])
	hdr.HeapEndPtr = binary.LittleEndian.Uint16(data[heapEndPtrOffset : heapEndPtrOffset+2])
	hdr.CmdLinePtr = binary.LittleEndian.Uint32(data[cmdLinePtrOffset : cmdLinePtrOffset+4])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset : initrdAddrMaxOffset+4])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset : kernelAlignmentOffset+4])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset : xloadflagsOffset+2])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset : cmdlineSizeOffset+4])
	hdr.HardwareSubarch = binary.LittleEndian.Uint32(data[hardwareSubarchOffset : hardwareSubarchOffset+4])
	hdr.HardwareSubarchData = binary.LittleEndian.Uint64(data[hardwareSubarchDataOffset : hardwareSubarchDataOffset+8])
	hdr.PayloadOffset = binary.LittleEndian.Uint32(data[payloadOffsetOffset : payloadOffsetOffset+4])
	hdr.PayloadLength = binary.LittleEndian.Uint32(data[payloadLengthOffset : payloadLengthOffset+4])
	hdr.SetupData = binary.LittleEndian.Uint64(data[setupDataOffset : setupDataOffset+8])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset : prefAddressOffset+8])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset : initSizeOffset+4])
	hdr.HandoverOffset = binary.LittleEndian.Uint32(data[handoverOffsetOffset : handoverOffsetOffset+4])
	return hdr, nil
}

// Put encodes hdr into a boot_params sized buffer. Bytes the header does not
// model are left untouched.
func (hdr *SetupHeader) Put(data []byte) error {
	if len(data) < kernelInfoOffsetOffset {
		return fmt.Errorf("%w: boot params buffer of %d bytes too small", efi.InvalidParameter, len(data))
	}

	data[setupSectsOffset] = hdr.SetupSectors
	binary.LittleEndian.PutUint16(data[setupHeaderBootFlagOffset:], hdr.BootFlag)
	copy(data[setupHeaderHeaderOffset:], hdr.Header[:])
	binary.LittleEndian.PutUint16(data[protocolVersionOffset:], hdr.ProtocolVersion)
	data[typeOfLoaderOffset] = hdr.TypeOfLoader
	data[loadFlagsOffset] = hdr.LoadFlags
	binary.LittleEndian.PutUint32(data[code32StartOffset:], hdr.Code32Start)
	binary.LittleEndian.PutUint32(data[ramdiskImageOffset:], hdr.RamdiskImage)
	binary.LittleEndian.PutUint32(data[ramdiskSizeOffset:], hdr.RamdiskSize)
	binary.LittleEndian.PutUint16(data[heapEndPtrOffset:], hdr.HeapEndPtr)
	binary.LittleEndian.PutUint32(data[cmdLinePtrOffset:], hdr.CmdLinePtr)
	binary.LittleEndian.PutUint32(data[initrdAddrMaxOffset:], hdr.InitrdAddrMax)
	binary.LittleEndian.PutUint32(data[kernelAlignmentOffset:], hdr.KernelAlignment)
	data[relocatableKernelOffset] = hdr.RelocatableKernel
	data[minAlignmentOffset] = hdr.MinAlignment
	binary.LittleEndian.PutUint16(data[xloadflagsOffset:], hdr.XLoadFlags)
	binary.LittleEndian.PutUint32(data[cmdlineSizeOffset:], hdr.CmdlineSize)
	binary.LittleEndian.PutUint32(data[hardwareSubarchOffset:], hdr.HardwareSubarch)
	binary.LittleEndian.PutUint64(data[hardwareSubarchDataOffset:], hdr.HardwareSubarchData)
	binary.LittleEndian.PutUint32(data[payloadOffsetOffset:], hdr.PayloadOffset)
	binary.LittleEndian.PutUint32(data[payloadLengthOffset:], hdr.PayloadLength)
	binary.LittleEndian.PutUint64(data[setupDataOffset:], hdr.SetupData)
	binary.LittleEndian.PutUint64(data[prefAddressOffset:], hdr.PrefAddress)
	binary.LittleEndian.PutUint32(data[initSizeOffset:], hdr.InitSize)
	binary.LittleEndian.PutUint32(data[handoverOffsetOffset:], hdr.HandoverOffset)
	return nil
}

// Validate checks that the kernel can be entered through the EFI handover
// protocol for the architecture selected by handoverFlag.
func (hdr *SetupHeader) Validate(handoverFlag uint16) error {
	if hdr.BootFlag != BootFlag {
		return fmt.Errorf("%w: bad boot flag %#04x", efi.LoadError, hdr.BootFlag)
	}
	if string(hdr.Header[:]) != HeaderMagic {
		return fmt.Errorf("%w: missing %s signature; not a Linux bzImage", efi.LoadError, HeaderMagic)
	}
	if hdr.ProtocolVersion < MinProtocolVersion {
		return fmt.Errorf("%w: boot protocol %d.%02d predates EFI handover", efi.Unsupported, hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xff)
	}
	if hdr.XLoadFlags&handoverFlag == 0 {
		return fmt.Errorf("%w: kernel lacks EFI handover entry (xloadflags %#x)", efi.Unsupported, hdr.XLoadFlags)
	}
	return nil
}

// KernelOffset returns the offset of the protected mode payload within the
// kernel image. Old kernels encode four setup sectors as zero.
func (hdr *SetupHeader) KernelOffset() uint64 {
	sects := uint64(hdr.SetupSectors)
	if sects == 0 {
		sects = defaultSetupSectors
	}
	return (sects + 1) * sectorSize
}

// CmdlineLimit returns the longest command line the kernel accepts,
// excluding the terminating NUL.
func (hdr *SetupHeader) CmdlineLimit() uint32 {
	if hdr.ProtocolVersion < 0x0206 || hdr.CmdlineSize == 0 {
		return legacyCmdlineSize
	}
	return hdr.CmdlineSize
}

// Alignment returns the kernel load alignment, at least one page.
func (hdr *SetupHeader) Alignment() uint64 {
	return max(uint64(hdr.KernelAlignment), efi.PageSize)
}
