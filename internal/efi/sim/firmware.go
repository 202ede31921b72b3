// Package sim implements a hosted stand-in for UEFI boot services. It tracks
// a memory map, hands out pages by address, backs physical memory with an
// anonymous mapping and records handovers instead of jumping to them.
package sim

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/aboot/internal/efi"
)

// DescriptorSize is the stride used when encoding the memory map. It is
// larger than efi.MemoryDescriptorSize, as on most real firmware.
const DescriptorSize = 48

type region struct {
	start uint64
	pages uint64
	typ   efi.MemoryType
	attr  uint64
}

func (r region) end() uint64 { return r.start + r.pages*efi.PageSize }

// Firmware is an in-process boot services implementation.
type Firmware struct {
	mu        sync.Mutex
	regions   []region
	mem       physMemory
	unmap     func() error
	handovers []efi.Handover

	imageHandle efi.Handle
	systemTable uint64

	// AllocateHook, when set, runs before every AllocatePages call. A non-nil
	// error is returned to the caller unchanged.
	AllocateHook func(typ efi.AllocateType, pages, addr uint64) error
	// FreeHook runs before every FreePages call.
	FreeHook func(addr, pages uint64) error
	// MemoryMapHook runs before every GetMemoryMap call with the size of the
	// caller's buffer.
	MemoryMapHook func(bufSize int) error
	// HandoverHook replaces the default handover result.
	HandoverHook func(h efi.Handover) error
}

var (
	_ efi.BootServices = (*Firmware)(nil)
	_ efi.Trampoline   = (*Firmware)(nil)
)

// New creates firmware over the given memory map. Physical memory is backed
// up to the end of the highest region.
func New(descs []efi.MemoryDescriptor) (*Firmware, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: empty memory map", efi.InvalidParameter)
	}

	regions := make([]region, 0, len(descs))
	for _, d := range descs {
		if d.PhysicalStart&efi.PageMask != 0 {
			return nil, fmt.Errorf("%w: region %#x not page aligned", efi.InvalidParameter, d.PhysicalStart)
		}
		if d.NumberOfPages == 0 {
			continue
		}
		regions = append(regions, region{
			start: d.PhysicalStart,
			pages: d.NumberOfPages,
			typ:   d.Type,
			attr:  d.Attribute,
		})
	}
	slices.SortFunc(regions, func(a, b region) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	for i := 1; i < len(regions); i++ {
		if regions[i].start < regions[i-1].end() {
			return nil, fmt.Errorf("%w: region %#x overlaps region %#x", efi.InvalidParameter, regions[i].start, regions[i-1].start)
		}
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: empty memory map", efi.InvalidParameter)
	}

	size := regions[len(regions)-1].end()
	mem, unmap, err := mapMemory(size)
	if err != nil {
		return nil, err
	}

	fw := &Firmware{
		regions:     regions,
		mem:         physMemory{mem: mem},
		unmap:       unmap,
		imageHandle: defaultHandle,
		systemTable: defaultSysTable,
	}
	fw.coalesce()
	slog.Debug("firmware memory", "regions", len(fw.regions), "size", size)
	return fw, nil
}

// Close releases the backing memory.
func (f *Firmware) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.mem.mem = nil
	return err
}

// SetHandles overrides the image handle and system table pointer passed to
// the kernel at handover.
func (f *Firmware) SetHandles(image efi.Handle, systemTable uint64) {
	f.imageHandle = image
	f.systemTable = systemTable
}

// System returns the services view of the firmware.
func (f *Firmware) System() efi.System {
	return efi.System{
		ImageHandle: f.imageHandle,
		SystemTable: f.systemTable,
		Boot:        f,
		Memory:      &f.mem,
		Trampoline:  f,
	}
}

// GetMemoryMap implements efi.BootServices.
func (f *Firmware) GetMemoryMap(buf []byte) (int, int, error) {
	if f.MemoryMapHook != nil {
		if err := f.MemoryMapHook(len(buf)); err != nil {
			return 0, DescriptorSize, err
		}
	}

	f.mu.Lock()
	descs := f.descriptorsLocked()
	f.mu.Unlock()

	n, err := efi.EncodeMemoryMap(buf, descs, DescriptorSize)
	return n, DescriptorSize, err
}

// AllocatePages implements efi.BootServices. Only AllocateAddress is
// supported, which is all the loader uses.
func (f *Firmware) AllocatePages(typ efi.AllocateType, memType efi.MemoryType, pages, addr uint64) (uint64, error) {
	if f.AllocateHook != nil {
		if err := f.AllocateHook(typ, pages, addr); err != nil {
			return 0, err
		}
	}
	if typ != efi.AllocateAddress {
		return 0, efi.Unsupported
	}
	if pages == 0 || addr&efi.PageMask != 0 || memType == efi.ConventionalMemory || memType >= efi.MaxMemoryType {
		return 0, efi.InvalidParameter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	end := addr + pages*efi.PageSize
	if end < addr {
		return 0, efi.InvalidParameter
	}
	i := f.find(addr)
	if i < 0 {
		return 0, efi.NotFound
	}
	r := f.regions[i]
	if r.typ != efi.ConventionalMemory || end > r.end() {
		return 0, efi.NotFound
	}
	f.retype(i, addr, end, memType)
	return addr, nil
}

// FreePages implements efi.BootServices. Freeing pages that were never
// allocated returns NotFound.
func (f *Firmware) FreePages(addr, pages uint64) error {
	if f.FreeHook != nil {
		if err := f.FreeHook(addr, pages); err != nil {
			return err
		}
	}
	if pages == 0 || addr&efi.PageMask != 0 {
		return efi.InvalidParameter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	end := addr + pages*efi.PageSize
	i := f.find(addr)
	if i < 0 {
		return efi.NotFound
	}
	r := f.regions[i]
	if !allocatable(r.typ) || end > r.end() {
		return efi.NotFound
	}
	f.retype(i, addr, end, efi.ConventionalMemory)
	return nil
}

// Handover implements efi.Trampoline by recording the request.
func (f *Firmware) Handover(h efi.Handover) error {
	f.mu.Lock()
	f.handovers = append(f.handovers, h)
	f.mu.Unlock()

	slog.Info("kernel handover",
		"entry", fmt.Sprintf("%#x", h.Entry),
		"boot_params", fmt.Sprintf("%#x", h.BootParams),
		"image", uint64(h.ImageHandle),
		"system_table", fmt.Sprintf("%#x", h.SystemTable),
		"cli", h.DisableInterrupts,
	)
	if f.HandoverHook != nil {
		return f.HandoverHook(h)
	}
	return nil
}

// Handovers returns the handovers recorded so far.
func (f *Firmware) Handovers() []efi.Handover {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.handovers)
}

// MemoryMap returns a snapshot of the current map.
func (f *Firmware) MemoryMap() []efi.MemoryDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptorsLocked()
}

// AllocatedPages returns the number of pages currently held by callers.
func (f *Firmware) AllocatedPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	for _, r := range f.regions {
		if allocatable(r.typ) {
			n += r.pages
		}
	}
	return n
}

// ReadPhys is a convenience for tests that inspect physical memory.
func (f *Firmware) ReadPhys(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *Firmware) descriptorsLocked() []efi.MemoryDescriptor {
	out := make([]efi.MemoryDescriptor, len(f.regions))
	for i, r := range f.regions {
		out[i] = efi.MemoryDescriptor{
			Type:          r.typ,
			PhysicalStart: r.start,
			NumberOfPages: r.pages,
			Attribute:     r.attr,
		}
	}
	return out
}

func (f *Firmware) find(addr uint64) int {
	i, found := slices.BinarySearchFunc(f.regions, addr, func(r region, addr uint64) int {
		switch {
		case r.end() <= addr:
			return -1
		case r.start > addr:
			return 1
		}
		return 0
	})
	if !found {
		return -1
	}
	return i
}

// retype changes [start, end) inside region i to typ, splitting the region
// as needed.
func (f *Firmware) retype(i int, start, end uint64, typ efi.MemoryType) {
	r := f.regions[i]
	var parts []region
	if start > r.start {
		parts = append(parts, region{start: r.start, pages: (start - r.start) / efi.PageSize, typ: r.typ, attr: r.attr})
	}
	parts = append(parts, region{start: start, pages: (end - start) / efi.PageSize, typ: typ, attr: r.attr})
	if end < r.end() {
		parts = append(parts, region{start: end, pages: (r.end() - end) / efi.PageSize, typ: r.typ, attr: r.attr})
	}
	f.regions = slices.Replace(f.regions, i, i+1, parts...)
	f.coalesce()
}

func (f *Firmware) coalesce() {
	out := f.regions[:0]
	for _, r := range f.regions {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.typ == r.typ && last.attr == r.attr && last.end() == r.start {
				last.pages += r.pages
				continue
			}
		}
		out = append(out, r)
	}
	f.regions = out
}

// allocatable reports whether pages of this type may be handed back with
// FreePages.
func allocatable(typ efi.MemoryType) bool {
	switch typ {
	case efi.LoaderCode, efi.LoaderData:
		return true
	}
	return false
}
