// Package amd64test builds minimal bzImage kernels for tests. The images
// carry a valid setup header and an arbitrary payload; they do not boot.
package amd64test

import "github.com/tinyrange/aboot/internal/linux/boot/amd64"

// Kernel describes a synthetic bzImage. Zero fields take defaults that pass
// validation on both architectures.
type Kernel struct {
	SetupSectors    uint8
	ProtocolVersion uint16
	XLoadFlags      uint16
	InitSize        uint32
	KernelAlignment uint32
	PrefAddress     uint64
	HandoverOffset  uint32
	CmdlineSize     uint32
	InitrdAddrMax   uint32
	// Fixed clears relocatable_kernel.
	Fixed   bool
	Payload []byte
	Mutate  func(hdr *amd64.SetupHeader)
}

func (k Kernel) Header() amd64.SetupHeader {
	hdr := amd64.SetupHeader{
		SetupSectors:      k.SetupSectors,
		BootFlag:          amd64.BootFlag,
		ProtocolVersion:   k.ProtocolVersion,
		LoadFlags:         amd64.LoadFlagLoadedHigh,
		Code32Start:       0x100000,
		InitrdAddrMax:     k.InitrdAddrMax,
		KernelAlignment:   k.KernelAlignment,
		RelocatableKernel: 1,
		XLoadFlags:        k.XLoadFlags,
		CmdlineSize:       k.CmdlineSize,
		PrefAddress:       k.PrefAddress,
		InitSize:          k.InitSize,
		HandoverOffset:    k.HandoverOffset,
	}
	copy(hdr.Header[:], amd64.HeaderMagic)
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 1
	}
	if hdr.ProtocolVersion == 0 {
		hdr.ProtocolVersion = 0x020f
	}
	if hdr.XLoadFlags == 0 {
		hdr.XLoadFlags = amd64.XLFKernel64 | amd64.XLFCanBeLoadedAbove4G | amd64.XLFEFIHandover32 | amd64.XLFEFIHandover64
	}
	if hdr.InitSize == 0 {
		hdr.InitSize = 1 << 20
	}
	if hdr.KernelAlignment == 0 {
		hdr.KernelAlignment = 0x200000
	}
	if hdr.PrefAddress == 0 {
		hdr.PrefAddress = 0x1000000
	}
	if hdr.HandoverOffset == 0 {
		hdr.HandoverOffset = 0x190
	}
	if hdr.CmdlineSize == 0 {
		hdr.CmdlineSize = 2047
	}
	if hdr.InitrdAddrMax == 0 {
		hdr.InitrdAddrMax = 0x7fffffff
	}
	if k.Fixed {
		hdr.RelocatableKernel = 0
	}
	if k.Mutate != nil {
		k.Mutate(&hdr)
	}
	return hdr
}

// Build returns the setup sectors followed by the payload.
func (k Kernel) Build() []byte {
	hdr := k.Header()
	setup := make([]byte, hdr.KernelOffset())
	if err := hdr.Put(setup); err != nil {
		panic(err)
	}
	return append(setup, k.Payload...)
}
