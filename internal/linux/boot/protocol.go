// Package boot drives the Linux/x86 EFI handover boot protocol: it owns the
// boot_params block, places the kernel, command line and ramdisk in physical
// memory and enters the kernel.
package boot

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64"
	"github.com/tinyrange/aboot/internal/mem"
)

const (
	// cmdlineCeiling keeps the command line below 4 GiB since cmd_line_ptr
	// is 32 bits.
	cmdlineCeiling = 0xffffffff
	// CmdlineAllocSize is the space reserved for the command line.
	CmdlineAllocSize = efi.PageSize

	maxLowAddress = 1 << 32
)

// Protocol places a kernel in memory for one architecture.
type Protocol struct {
	arch  Arch
	alloc *mem.Allocator
	sys   efi.System
}

func New(sys efi.System, arch Arch) *Protocol {
	return &Protocol{
		arch:  arch,
		alloc: mem.New(sys.Boot),
		sys:   sys,
	}
}

func (p *Protocol) Arch() Arch                { return p.arch }
func (p *Protocol) Allocator() *mem.Allocator { return p.alloc }
func (p *Protocol) Memory() efi.Memory        { return p.sys.Memory }

// AllocateBootParams reserves and zeroes the boot_params block as low in
// memory as it fits.
func (p *Protocol) AllocateBootParams() (*BootParams, error) {
	alloc, err := p.alloc.AllocateLow(amd64.BootParamsSize, efi.PageSize, mem.PurposeBootParams)
	if err != nil {
		return nil, err
	}
	bp := &BootParams{Addr: alloc.Addr, memory: p.sys.Memory}
	if err := bp.flush(); err != nil {
		if ferr := p.alloc.Free(alloc); ferr != nil {
			slog.Warn("free boot params", "err", ferr)
		}
		return nil, err
	}
	return bp, nil
}

// LoadSetupHeader copies the kernel's setup header into the block. raw holds
// the kernel image bytes from amd64.SetupHeaderOffset. Fields the loader
// owns are cleared so only its own allocations are ever released.
func (p *Protocol) LoadSetupHeader(bp *BootParams, raw []byte) error {
	if len(raw) != amd64.SetupHeaderSize {
		return fmt.Errorf("%w: setup header is %d bytes, want %d", efi.InvalidParameter, len(raw), amd64.SetupHeaderSize)
	}
	copy(bp.data[amd64.SetupHeaderOffset:], raw)

	hdr := bp.Header()
	bp.cmdlineLimit = hdr.CmdlineLimit()
	return bp.update(func(hdr *amd64.SetupHeader) {
		hdr.Code32Start = 0
		hdr.RamdiskImage = 0
		hdr.RamdiskSize = 0
		hdr.CmdLinePtr = 0
	})
}

// Validate checks that the loaded header supports handover on this
// architecture.
func (p *Protocol) Validate(bp *BootParams) error {
	hdr := bp.Header()
	if err := hdr.Validate(p.arch.HandoverFlag); err != nil {
		return err
	}
	slog.Debug("kernel setup header",
		"protocol", fmt.Sprintf("%d.%02d", hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xff),
		"xloadflags", fmt.Sprintf("%#x", hdr.XLoadFlags),
		"init_size", hdr.InitSize,
		"pref_address", fmt.Sprintf("%#x", hdr.PrefAddress),
		"handover_offset", fmt.Sprintf("%#x", hdr.HandoverOffset),
	)
	return nil
}

// AllocateKernel reserves init_size bytes for the kernel, preferring
// pref_address and falling back to the lowest aligned address for
// relocatable kernels.
func (p *Protocol) AllocateKernel(bp *BootParams) error {
	hdr := bp.Header()
	if hdr.InitSize == 0 {
		return fmt.Errorf("%w: kernel init_size is zero", efi.LoadError)
	}
	size := uint64(hdr.InitSize)

	alloc, err := p.alloc.AllocateAt(hdr.PrefAddress, size, mem.PurposeKernel)
	if err != nil {
		if hdr.RelocatableKernel == 0 {
			return fmt.Errorf("non-relocatable kernel: %w", err)
		}
		slog.Debug("preferred kernel address unavailable", "pref_address", fmt.Sprintf("%#x", hdr.PrefAddress), "err", err)
		alloc, err = p.alloc.AllocateLow(size, hdr.Alignment(), mem.PurposeKernel)
		if err != nil {
			return err
		}
	}
	if alloc.End() > maxLowAddress {
		p.free(alloc.Addr, alloc.Size, "kernel")
		return fmt.Errorf("%w: kernel placed at %#x above 4 GiB", efi.OutOfResources, alloc.Addr)
	}

	return bp.update(func(hdr *amd64.SetupHeader) {
		hdr.Code32Start = uint32(alloc.Addr)
	})
}

// LoadKernel clears the kernel allocation and copies the protected mode
// payload from src into it.
func (p *Protocol) LoadKernel(bp *BootParams, src io.Reader, size int64) error {
	hdr := bp.Header()
	if hdr.Code32Start == 0 {
		return fmt.Errorf("%w: kernel not allocated", efi.InvalidParameter)
	}
	if size < 0 || uint64(size) > uint64(hdr.InitSize) {
		return fmt.Errorf("%w: kernel payload of %#x bytes exceeds init_size %#x", efi.LoadError, size, hdr.InitSize)
	}

	if err := zero(p.sys.Memory, uint64(hdr.Code32Start), uint64(hdr.InitSize)); err != nil {
		return fmt.Errorf("clear kernel memory: %w", err)
	}
	w := io.NewOffsetWriter(p.sys.Memory, int64(hdr.Code32Start))
	n, err := io.Copy(w, io.LimitReader(src, size))
	if err != nil {
		return fmt.Errorf("copy kernel: %w", err)
	}
	if n != size {
		return fmt.Errorf("%w: kernel payload truncated at %#x of %#x bytes", efi.LoadError, n, size)
	}
	return nil
}

// AllocateRamdisk reserves size bytes below initrd_addr_max. A zero size
// leaves the ramdisk fields clear.
func (p *Protocol) AllocateRamdisk(bp *BootParams, size uint32) (mem.Allocation, error) {
	if size == 0 {
		return mem.Allocation{}, nil
	}
	hdr := bp.Header()
	alloc, err := p.alloc.AllocateHigh(uint64(size), uint64(hdr.InitrdAddrMax), mem.PurposeRamdisk)
	if err != nil {
		return mem.Allocation{}, err
	}
	if err := bp.update(func(hdr *amd64.SetupHeader) {
		hdr.RamdiskImage = uint32(alloc.Addr)
		hdr.RamdiskSize = size
	}); err != nil {
		return mem.Allocation{}, err
	}
	return alloc, nil
}

// AllocateCmdline reserves one page below 4 GiB for the command line.
func (p *Protocol) AllocateCmdline(bp *BootParams) (mem.Allocation, error) {
	alloc, err := p.alloc.AllocateHigh(CmdlineAllocSize, cmdlineCeiling, mem.PurposeCmdline)
	if err != nil {
		return mem.Allocation{}, err
	}
	if err := bp.update(func(hdr *amd64.SetupHeader) {
		hdr.CmdLinePtr = uint32(alloc.Addr)
		hdr.CmdlineSize = uint32(alloc.Size)
	}); err != nil {
		return mem.Allocation{}, err
	}
	return alloc, nil
}

// MaxCmdline returns the longest command line that can be stored, bounded
// by both the kernel's limit and the reserved page.
func (p *Protocol) MaxCmdline(bp *BootParams) int {
	return int(min(bp.cmdlineLimit, CmdlineAllocSize-1))
}

// WriteCmdline stores line, NUL terminated, at cmd_line_ptr.
func (p *Protocol) WriteCmdline(bp *BootParams, line []byte) error {
	hdr := bp.Header()
	if hdr.CmdLinePtr == 0 {
		return fmt.Errorf("%w: command line not allocated", efi.InvalidParameter)
	}
	if limit := p.MaxCmdline(bp); len(line) > limit {
		return fmt.Errorf("%w: command line of %d bytes exceeds limit of %d", efi.OutOfResources, len(line), limit)
	}
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	if _, err := p.sys.Memory.WriteAt(buf, int64(hdr.CmdLinePtr)); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}
	return nil
}

// EntryPoint returns the handover entry address for the loaded kernel.
func (p *Protocol) EntryPoint(bp *BootParams) uint64 {
	hdr := bp.Header()
	return uint64(hdr.Code32Start) + p.arch.EntryBias + uint64(hdr.HandoverOffset)
}

// EnterKernel marks the loader type and jumps to the handover entry. It
// only returns if the trampoline does.
func (p *Protocol) EnterKernel(bp *BootParams) error {
	if err := bp.update(func(hdr *amd64.SetupHeader) {
		hdr.TypeOfLoader = amd64.TypeOfLoaderUndefined
	}); err != nil {
		return err
	}

	h := efi.Handover{
		Entry:             p.EntryPoint(bp),
		ImageHandle:       p.sys.ImageHandle,
		SystemTable:       p.sys.SystemTable,
		BootParams:        bp.Addr,
		DisableInterrupts: p.arch.DisableInterrupts,
	}
	slog.Debug("entering kernel", "arch", p.arch, "entry", fmt.Sprintf("%#x", h.Entry), "boot_params", fmt.Sprintf("%#x", bp.Addr))
	if err := p.sys.Trampoline.Handover(h); err != nil {
		return fmt.Errorf("kernel handover: %w", err)
	}
	return nil
}

// Release frees every allocation recorded in bp, then bp itself. Failures
// are logged and do not stop the remaining frees. Fields are cleared as they
// are freed, so calling Release twice is harmless.
func (p *Protocol) Release(bp *BootParams) {
	if bp == nil || bp.Addr == 0 {
		return
	}

	hdr := bp.Header()
	if hdr.Code32Start != 0 {
		p.free(uint64(hdr.Code32Start), uint64(hdr.InitSize), "kernel")
		hdr.Code32Start = 0
	}
	if hdr.RamdiskImage != 0 {
		p.free(uint64(hdr.RamdiskImage), uint64(hdr.RamdiskSize), "ramdisk")
		hdr.RamdiskImage = 0
		hdr.RamdiskSize = 0
	}
	if hdr.CmdLinePtr != 0 {
		p.free(uint64(hdr.CmdLinePtr), uint64(hdr.CmdlineSize), "command line")
		hdr.CmdLinePtr = 0
	}
	if err := hdr.Put(bp.data[:]); err != nil {
		slog.Warn("clear boot params", "err", err)
	}

	p.free(bp.Addr, amd64.BootParamsSize, "boot params")
	bp.Addr = 0
}

func (p *Protocol) free(addr, size uint64, what string) {
	if err := p.alloc.FreeRange(addr, max(size, 1)); err != nil {
		slog.Warn("release failed", "what", what, "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
}

func zero(w io.WriterAt, addr, size uint64) error {
	buf := make([]byte, min(size, 1<<20))
	for off := uint64(0); off < size; {
		n := min(uint64(len(buf)), size-off)
		if _, err := w.WriteAt(buf[:n], int64(addr+off)); err != nil {
			return err
		}
		off += n
	}
	return nil
}
