// Package mem places loader data in physical memory by scanning the firmware
// memory map and reserving pages at chosen addresses.
package mem

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/aboot/internal/efi"
)

// initialMapEntries sizes the first memory map buffer.
const initialMapEntries = 32

const maxMemoryMapAttempts = 16

// Purpose labels an allocation for logging.
type Purpose int

const (
	PurposeBootParams Purpose = iota
	PurposeKernel
	PurposeCmdline
	PurposeRamdisk
)

func (p Purpose) String() string {
	switch p {
	case PurposeBootParams:
		return "boot params"
	case PurposeKernel:
		return "kernel"
	case PurposeCmdline:
		return "command line"
	case PurposeRamdisk:
		return "ramdisk"
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// Allocation is a page-granular reservation of physical memory.
type Allocation struct {
	Addr    uint64
	Size    uint64
	Purpose Purpose
}

func (a Allocation) End() uint64   { return a.Addr + a.Size }
func (a Allocation) Pages() uint64 { return efi.SizeToPages(a.Size) }

// Allocator reserves pages through the firmware boot services.
type Allocator struct {
	bs efi.BootServices
}

func New(bs efi.BootServices) *Allocator {
	return &Allocator{bs: bs}
}

// MemoryMap returns a snapshot of the firmware memory map sorted by address.
func (a *Allocator) MemoryMap() ([]efi.MemoryDescriptor, error) {
	size := initialMapEntries * efi.MemoryDescriptorSize
	for attempt := 0; attempt < maxMemoryMapAttempts; attempt++ {
		buf := make([]byte, size)
		n, descSize, err := a.bs.GetMemoryMap(buf)
		if errors.Is(err, efi.BufferTooSmall) {
			// The map can grow between calls, so leave room for one more
			// descriptor beyond what the firmware asked for.
			grow := descSize
			if grow == 0 {
				grow = efi.MemoryDescriptorSize
			}
			size = max(n, size) + grow
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get memory map: %w", err)
		}
		if n > len(buf) {
			return nil, fmt.Errorf("%w: memory map size %d exceeds buffer %d", efi.DeviceError, n, len(buf))
		}
		descs, err := efi.DecodeMemoryMap(buf[:n], descSize)
		if err != nil {
			return nil, err
		}
		slices.SortFunc(descs, func(x, y efi.MemoryDescriptor) int {
			return cmp.Compare(x.PhysicalStart, y.PhysicalStart)
		})
		return descs, nil
	}
	return nil, fmt.Errorf("%w: memory map kept growing", efi.OutOfResources)
}

// AllocateLow reserves size bytes at the lowest address aligned to align,
// scanning free regions in ascending order. Address zero is never returned.
func (a *Allocator) AllocateLow(size, align uint64, purpose Purpose) (Allocation, error) {
	pages, err := checkSize(size)
	if err != nil {
		return Allocation{}, err
	}
	align = max(align, efi.PageSize)

	descs, err := a.MemoryMap()
	if err != nil {
		return Allocation{}, err
	}

	var lastErr error
	for _, d := range descs {
		if d.Type != efi.ConventionalMemory || d.NumberOfPages < pages {
			continue
		}

		start := d.PhysicalStart
		if start == 0 {
			start = align
		}
		start, ok := efi.AlignUp(start, align)
		if !ok || start > d.PhysicalEnd() || d.PhysicalEnd()-start < pages*efi.PageSize {
			continue
		}

		alloc, err := a.reserve(start, pages, purpose)
		if err != nil {
			lastErr = err
			continue
		}
		return alloc, nil
	}
	if lastErr != nil {
		return Allocation{}, fmt.Errorf("allocate %s: %w", purpose, lastErr)
	}
	return Allocation{}, fmt.Errorf("allocate %s (%#x bytes, align %#x): %w", purpose, size, align, efi.OutOfResources)
}

// AllocateHigh reserves size bytes as high as possible while keeping the end
// of the allocation at or below ceiling.
func (a *Allocator) AllocateHigh(size, ceiling uint64, purpose Purpose) (Allocation, error) {
	pages, err := checkSize(size)
	if err != nil {
		return Allocation{}, err
	}
	span := pages * efi.PageSize
	top := efi.AlignDown(ceiling, efi.PageSize)
	if top < span {
		return Allocation{}, fmt.Errorf("allocate %s (%#x bytes below %#x): %w", purpose, size, ceiling, efi.OutOfResources)
	}
	highest := top - span

	descs, err := a.MemoryMap()
	if err != nil {
		return Allocation{}, err
	}

	var lastErr error
	for _, d := range slices.Backward(descs) {
		if d.Type != efi.ConventionalMemory || d.NumberOfPages < pages {
			continue
		}

		start := min(d.PhysicalEnd()-span, highest)
		if start == 0 || start < d.PhysicalStart {
			continue
		}

		alloc, err := a.reserve(start, pages, purpose)
		if err != nil {
			lastErr = err
			continue
		}
		return alloc, nil
	}
	if lastErr != nil {
		return Allocation{}, fmt.Errorf("allocate %s: %w", purpose, lastErr)
	}
	return Allocation{}, fmt.Errorf("allocate %s (%#x bytes below %#x): %w", purpose, size, ceiling, efi.OutOfResources)
}

// AllocateAt reserves size bytes at exactly addr.
func (a *Allocator) AllocateAt(addr, size uint64, purpose Purpose) (Allocation, error) {
	pages, err := checkSize(size)
	if err != nil {
		return Allocation{}, err
	}
	if addr&efi.PageMask != 0 {
		return Allocation{}, fmt.Errorf("allocate %s at %#x: %w", purpose, addr, efi.InvalidParameter)
	}
	alloc, err := a.reserve(addr, pages, purpose)
	if err != nil {
		return Allocation{}, fmt.Errorf("allocate %s at %#x: %w", purpose, addr, err)
	}
	return alloc, nil
}

// Free returns the pages of alloc to the firmware.
func (a *Allocator) Free(alloc Allocation) error {
	return a.FreeRange(alloc.Addr, alloc.Size)
}

// FreeRange returns the pages covering [addr, addr+size) to the firmware.
func (a *Allocator) FreeRange(addr, size uint64) error {
	if err := a.bs.FreePages(addr, efi.SizeToPages(size)); err != nil {
		return fmt.Errorf("free %#x bytes at %#x: %w", size, addr, err)
	}
	return nil
}

func (a *Allocator) reserve(addr, pages uint64, purpose Purpose) (Allocation, error) {
	got, err := a.bs.AllocatePages(efi.AllocateAddress, efi.LoaderData, pages, addr)
	if err != nil {
		slog.Debug("reserve pages failed", "purpose", purpose, "addr", fmt.Sprintf("%#x", addr), "pages", pages, "err", err)
		return Allocation{}, err
	}
	slog.Debug("reserved pages", "purpose", purpose, "addr", fmt.Sprintf("%#x", got), "pages", pages)
	return Allocation{Addr: got, Size: pages * efi.PageSize, Purpose: purpose}, nil
}

func checkSize(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized allocation", efi.InvalidParameter)
	}
	if size > ^uint64(0)-efi.PageMask {
		return 0, fmt.Errorf("%w: allocation of %#x bytes", efi.OutOfResources, size)
	}
	return efi.SizeToPages(size), nil
}
