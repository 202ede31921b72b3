package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/aboot/internal/efi"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `version: 1
arch: x86
loaderDir: /srv/esp
disks:
  - /srv/android.img
regions:
  - {start: 0x0, size: 0x9f000, type: conventional}
  - {start: 0x100000, size: 0x7f00000, type: conventional}
  - {start: 0x8000000, size: 0x100000, type: acpi-reclaim}
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Config{
		Version:   1,
		Arch:      "x86",
		LoaderDir: "/srv/esp",
		Disks:     []string{"/srv/android.img"},
		Regions: []Region{
			{Start: 0, Size: 0x9f000, Type: "conventional"},
			{Start: 0x100000, Size: 0x7f00000, Type: "conventional"},
			{Start: 0x8000000, Size: 0x100000, Type: "acpi-reclaim"},
		},
		ImageHandle: DefaultImageHandle,
		SystemTable: DefaultSysTable,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("Load mismatch (-want +got):\n%s", diff)
	}

	descs, err := c.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("MemoryMap returned %d descriptors, want 3", len(descs))
	}
	if descs[2].Type != efi.ACPIReclaimMemory || descs[2].NumberOfPages != 0x100 {
		t.Errorf("descriptor 2 = %+v", descs[2])
	}
}

func TestLoadMissingFileUsesDefault(t *testing.T) {
	t.Setenv(EnvPath, "")

	c, err := Load(filepath.Join(t.TempDir(), DefaultFilename))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Fatalf("Load mismatch (-want +got):\n%s", diff)
	}
	descs, err := c.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	last := descs[len(descs)-1]
	if last.PhysicalEnd() != DefaultMemoryMB<<20 {
		t.Errorf("memory ends at %#x, want %#x", last.PhysicalEnd(), uint64(DefaultMemoryMB<<20))
	}
}

func TestLoadMissingNamedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	t.Setenv(EnvPath, path)

	if Path() != path {
		t.Fatalf("Path() = %q, want %q", Path(), path)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load succeeded for a missing file named in %s", EnvPath)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "arch: [x86"},
		{"unknown type", "regions:\n  - {start: 0, size: 0x1000, type: bogus}\n"},
		{"unaligned", "regions:\n  - {start: 0x10, size: 0x1000, type: conventional}\n"},
		{"empty region", "regions:\n  - {start: 0x1000, size: 0, type: conventional}\n"},
		{"overlap", "regions:\n  - {start: 0, size: 0x2000, type: conventional}\n  - {start: 0x1000, size: 0x1000, type: reserved}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, efi.InvalidParameter) {
				t.Fatalf("Load err = %v, want InvalidParameter", err)
			}
		})
	}
}
