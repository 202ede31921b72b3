package boot

import (
	"fmt"

	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64"
)

// BootParams is the boot_params block in physical memory. The loader edits
// a local copy and flushes it after every change so physical memory always
// reflects what has been allocated.
type BootParams struct {
	Addr uint64

	data   [amd64.BootParamsSize]byte
	memory efi.Memory

	// cmdlineLimit is the kernel's own command line limit, captured before
	// cmdline_size is overwritten with the allocation size.
	cmdlineLimit uint32
}

// Header decodes the setup header from the block.
func (bp *BootParams) Header() amd64.SetupHeader {
	hdr, err := amd64.ParseSetupHeader(bp.data[:])
	if err != nil {
		// The block is always large enough.
		panic(err)
	}
	return hdr
}

// Bytes returns the local copy of the block.
func (bp *BootParams) Bytes() []byte { return bp.data[:] }

// CmdlineLimit returns the longest command line the kernel accepts.
func (bp *BootParams) CmdlineLimit() uint32 { return bp.cmdlineLimit }

func (bp *BootParams) update(fn func(hdr *amd64.SetupHeader)) error {
	hdr := bp.Header()
	fn(&hdr)
	if err := hdr.Put(bp.data[:]); err != nil {
		return err
	}
	return bp.flush()
}

func (bp *BootParams) flush() error {
	if _, err := bp.memory.WriteAt(bp.data[:], int64(bp.Addr)); err != nil {
		return fmt.Errorf("write boot params at %#x: %w", bp.Addr, err)
	}
	return nil
}
