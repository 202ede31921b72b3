package boot

import (
	"fmt"
	"strings"

	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64"
)

// Arch selects the handover flavour. Both use the same setup header; they
// differ in which xloadflags bit advertises the entry point and where it
// sits relative to code32_start.
type Arch struct {
	Name string

	// HandoverFlag is the xloadflags bit the kernel must set.
	HandoverFlag uint16
	// EntryBias is added to code32_start before handover_offset.
	EntryBias uint64
	// DisableInterrupts is set for entries that expect interrupts masked.
	DisableInterrupts bool
}

var (
	ArchX8664 = Arch{
		Name:              "x86_64",
		HandoverFlag:      amd64.XLFEFIHandover64,
		EntryBias:         512,
		DisableInterrupts: true,
	}
	ArchX86 = Arch{
		Name:         "x86",
		HandoverFlag: amd64.XLFEFIHandover32,
	}
)

func (a Arch) String() string { return a.Name }

// ParseArch accepts Go and Linux spellings of the two supported targets.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "", "amd64", "x86_64", "x64":
		return ArchX8664, nil
	case "386", "x86", "ia32", "i386", "i686":
		return ArchX86, nil
	}
	return Arch{}, fmt.Errorf("%w: unsupported architecture %q", efi.Unsupported, s)
}
