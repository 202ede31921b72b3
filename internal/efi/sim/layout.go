package sim

import "github.com/tinyrange/aboot/internal/efi"

const (
	isaMemEnd       = 0x0009f000
	biosRegionEnd   = 0x00100000
	defaultHandle   = efi.Handle(0x1)
	defaultSysTable = 0x7f000
)

// DefaultMemoryMap returns a PC style map for a machine with memSize bytes of
// RAM starting at zero: conventional memory below the EBDA, the legacy BIOS
// hole reserved, and everything from 1 MiB up conventional.
func DefaultMemoryMap(memSize uint64) []efi.MemoryDescriptor {
	memEnd := efi.AlignDown(memSize, efi.PageSize)
	if memEnd == 0 {
		return nil
	}

	var out []efi.MemoryDescriptor
	add := func(start, end uint64, typ efi.MemoryType) {
		if end <= start {
			return
		}
		out = append(out, efi.MemoryDescriptor{
			Type:          typ,
			PhysicalStart: start,
			NumberOfPages: (end - start) / efi.PageSize,
		})
	}

	add(0, min(memEnd, isaMemEnd), efi.ConventionalMemory)
	if memEnd > isaMemEnd {
		add(isaMemEnd, min(memEnd, biosRegionEnd), efi.ReservedMemoryType)
	}
	if memEnd > biosRegionEnd {
		add(biosRegionEnd, memEnd, efi.ConventionalMemory)
	}
	return out
}
