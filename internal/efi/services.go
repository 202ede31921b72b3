// Package efi defines the slice of the firmware boot services interface the
// loader consumes, along with the status codes and memory map encoding it
// shares with firmware.
package efi

import "io"

// PathSeparator is the separator used in firmware file paths.
const PathSeparator = '\\'

// Handle identifies a firmware object such as a partition or the loaded
// image.
type Handle uint64

// AllocateType selects how AllocatePages picks an address.
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// BootServices is the memory subset of the firmware boot services.
type BootServices interface {
	// GetMemoryMap fills buf with the current memory map. When buf is too
	// small it returns BufferTooSmall along with the size required.
	GetMemoryMap(buf []byte) (mapSize, descriptorSize int, err error)
	AllocatePages(typ AllocateType, memType MemoryType, pages, addr uint64) (uint64, error)
	FreePages(addr, pages uint64) error
}

// Memory gives access to physical memory by address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Handover is the register state for the EFI handover entry point.
type Handover struct {
	Entry       uint64
	ImageHandle Handle
	SystemTable uint64
	BootParams  uint64

	// DisableInterrupts is set on x86_64 where the entry expects interrupts
	// masked.
	DisableInterrupts bool
}

// Trampoline performs the final jump into the kernel. On real firmware it
// never returns.
type Trampoline interface {
	Handover(h Handover) error
}

// System bundles the firmware services available to the loader.
type System struct {
	ImageHandle Handle
	SystemTable uint64

	Boot       BootServices
	Memory     Memory
	Trampoline Trampoline
}
