package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/aboot/internal/efi"
)

func newFirmware(t *testing.T, memSize uint64) *Firmware {
	t.Helper()
	fw, err := New(DefaultMemoryMap(memSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { fw.Close() })
	return fw
}

func TestDefaultMemoryMap(t *testing.T) {
	got := DefaultMemoryMap(64 << 20)
	want := []efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 0x9f},
		{Type: efi.ReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 0x61},
		{Type: efi.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: (64<<20 - 0x100000) / efi.PageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("DefaultMemoryMap returned %d regions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAllocateAndFree(t *testing.T) {
	fw := newFirmware(t, 16<<20)

	addr, err := fw.AllocatePages(efi.AllocateAddress, efi.LoaderData, 4, 0x200000)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if addr != 0x200000 {
		t.Fatalf("addr = %#x, want %#x", addr, 0x200000)
	}
	if got := fw.AllocatedPages(); got != 4 {
		t.Fatalf("AllocatedPages = %d, want 4", got)
	}

	if _, err := fw.AllocatePages(efi.AllocateAddress, efi.LoaderData, 1, 0x202000); !errors.Is(err, efi.NotFound) {
		t.Fatalf("double allocation err = %v, want NotFound", err)
	}
	if _, err := fw.AllocatePages(efi.AllocateAddress, efi.LoaderData, 1, 0x9f000); !errors.Is(err, efi.NotFound) {
		t.Fatalf("reserved allocation err = %v, want NotFound", err)
	}

	if err := fw.FreePages(0x200000, 4); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if err := fw.FreePages(0x200000, 4); !errors.Is(err, efi.NotFound) {
		t.Fatalf("second FreePages err = %v, want NotFound", err)
	}
	if got := fw.AllocatedPages(); got != 0 {
		t.Fatalf("AllocatedPages = %d, want 0", got)
	}

	// Freed pages coalesce back into a single region.
	if got := len(fw.MemoryMap()); got != 3 {
		t.Fatalf("memory map has %d regions after free, want 3", got)
	}
}

func TestGetMemoryMapTooSmall(t *testing.T) {
	fw := newFirmware(t, 16<<20)

	n, stride, err := fw.GetMemoryMap(make([]byte, DescriptorSize))
	if !errors.Is(err, efi.BufferTooSmall) {
		t.Fatalf("err = %v, want BufferTooSmall", err)
	}
	if stride != DescriptorSize {
		t.Fatalf("stride = %d, want %d", stride, DescriptorSize)
	}
	if n != 3*DescriptorSize {
		t.Fatalf("required = %d, want %d", n, 3*DescriptorSize)
	}
}

func TestPhysicalMemory(t *testing.T) {
	fw := newFirmware(t, 4<<20)
	mem := fw.System().Memory

	payload := []byte("hello kernel")
	if _, err := mem.WriteAt(payload, 0x100000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := fw.ReadPhys(0x100000, len(payload))
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadPhys = %q, want %q", got, payload)
	}

	if _, err := mem.WriteAt(payload, 4<<20); err == nil {
		t.Fatalf("WriteAt past end succeeded")
	}
}

func TestHandoverRecorded(t *testing.T) {
	fw := newFirmware(t, 4<<20)
	h := efi.Handover{Entry: 0x100200, BootParams: 0x1000, DisableInterrupts: true}
	if err := fw.Handover(h); err != nil {
		t.Fatalf("Handover: %v", err)
	}
	got := fw.Handovers()
	if len(got) != 1 || got[0] != h {
		t.Fatalf("Handovers = %+v, want [%+v]", got, h)
	}
}
