package amd64

const (
	// BootParamsSize is the size of the boot_params block handed to the
	// kernel. The structure itself is one page; the EFI stub expects the
	// loader to reserve 16 KiB.
	BootParamsSize = 0x4000

	SetupHeaderOffset = 0x1f1
	// SetupHeaderSize covers setup_header up to kernel_info_offset.
	SetupHeaderSize = kernelInfoOffsetOffset - SetupHeaderOffset

	setupSectsOffset          = SetupHeaderOffset
	setupHeaderBootFlagOffset = SetupHeaderOffset + 13
	setupHeaderHeaderOffset   = SetupHeaderOffset + 17
	protocolVersionOffset     = SetupHeaderOffset + 21
	typeOfLoaderOffset        = SetupHeaderOffset + 31
	loadFlagsOffset           = SetupHeaderOffset + 32
	code32StartOffset         = SetupHeaderOffset + 35
	ramdiskImageOffset        = SetupHeaderOffset + 39
	ramdiskSizeOffset         = SetupHeaderOffset + 43
	heapEndPtrOffset          = SetupHeaderOffset + 51
	cmdLinePtrOffset          = SetupHeaderOffset + 55
	initrdAddrMaxOffset       = SetupHeaderOffset + 59
	kernelAlignmentOffset     = SetupHeaderOffset + 63
	relocatableKernelOffset   = SetupHeaderOffset + 67
	minAlignmentOffset        = SetupHeaderOffset + 68
	xloadflagsOffset          = SetupHeaderOffset + 69
	cmdlineSizeOffset         = SetupHeaderOffset + 71
	hardwareSubarchOffset     = SetupHeaderOffset + 75
	hardwareSubarchDataOffset = SetupHeaderOffset + 79
	payloadOffsetOffset       = SetupHeaderOffset + 87
	payloadLengthOffset       = SetupHeaderOffset + 91
	setupDataOffset           = SetupHeaderOffset + 95
	prefAddressOffset         = SetupHeaderOffset + 103
	initSizeOffset            = SetupHeaderOffset + 111
	handoverOffsetOffset      = SetupHeaderOffset + 115
	kernelInfoOffsetOffset    = SetupHeaderOffset + 119
)

const (
	BootFlag    = 0xaa55
	HeaderMagic = "HdrS"

	// MinProtocolVersion is the first boot protocol with handover_offset.
	MinProtocolVersion = 0x020c

	// TypeOfLoaderUndefined marks a loader without an assigned ID.
	TypeOfLoaderUndefined = 0xff

	XLFKernel64           = 1 << 0
	XLFCanBeLoadedAbove4G = 1 << 1
	XLFEFIHandover32      = 1 << 2
	XLFEFIHandover64      = 1 << 3
	XLFEFIKexec           = 1 << 4

	LoadFlagLoadedHigh = 1 << 0
	LoadFlagCanUseHeap = 1 << 7

	sectorSize          = 512
	defaultSetupSectors = 4
	// legacyCmdlineSize is the limit for kernels predating cmdline_size.
	legacyCmdlineSize = 255
)
