// Package config describes the hosted platform the loader runs on: the
// firmware memory map, the loader's own directory and the disks whose
// partitions can be booted.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/efi/sim"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPath names a configuration file to use instead of DefaultFilename.
	EnvPath         = "ANDROID_EFI_CONFIG"
	DefaultFilename = "android-efi.yaml"

	DefaultArch        = "x86_64"
	DefaultMemoryMB    = 512
	DefaultLoaderDir   = "."
	DefaultSysTable    = 0x7f000
	DefaultImageHandle = 1
)

// Config is the on-disk platform description.
type Config struct {
	Version int    `yaml:"version"`
	Arch    string `yaml:"arch"`

	MemoryMB uint64   `yaml:"memoryMB,omitempty"`
	Regions  []Region `yaml:"regions,omitempty"`

	// LoaderDir is the directory standing in for the device the loader was
	// started from.
	LoaderDir string   `yaml:"loaderDir"`
	Disks     []string `yaml:"disks,omitempty"`

	ImageHandle uint64 `yaml:"imageHandle,omitempty"`
	SystemTable uint64 `yaml:"systemTable,omitempty"`
}

// Region is one memory map entry. Type uses the names printed by
// efi.MemoryType, e.g. "conventional" or "reserved".
type Region struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
	Type  string `yaml:"type"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Arch == "" {
		c.Arch = DefaultArch
	}
	if c.MemoryMB == 0 && len(c.Regions) == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.LoaderDir == "" {
		c.LoaderDir = DefaultLoaderDir
	}
	if c.ImageHandle == 0 {
		c.ImageHandle = DefaultImageHandle
	}
	if c.SystemTable == 0 {
		c.SystemTable = DefaultSysTable
	}
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Path returns the configuration file to read: $ANDROID_EFI_CONFIG when set,
// otherwise DefaultFilename in the working directory.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultFilename
}

// Load reads the configuration at path. A missing file yields Default
// unless the path was named explicitly through the environment.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && os.Getenv(EnvPath) == "" {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", efi.InvalidParameter, path, err)
	}
	c.normalize()
	if _, err := c.MemoryMap(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// MemoryMap returns the firmware memory map. Explicit regions win over
// MemoryMB; regions must be page aligned and must not overlap.
func (c Config) MemoryMap() ([]efi.MemoryDescriptor, error) {
	if len(c.Regions) == 0 {
		return sim.DefaultMemoryMap(c.MemoryMB << 20), nil
	}

	out := make([]efi.MemoryDescriptor, 0, len(c.Regions))
	for i, r := range c.Regions {
		typ, err := efi.ParseMemoryType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		if r.Start&efi.PageMask != 0 || r.Size&efi.PageMask != 0 || r.Size == 0 {
			return nil, fmt.Errorf("%w: region %d [%#x, +%#x) is not page aligned", efi.InvalidParameter, i, r.Start, r.Size)
		}
		if r.Start+r.Size < r.Start {
			return nil, fmt.Errorf("%w: region %d overflows", efi.InvalidParameter, i)
		}
		d := efi.MemoryDescriptor{
			Type:          typ,
			PhysicalStart: r.Start,
			NumberOfPages: r.Size >> efi.PageShift,
		}
		for j, prev := range out {
			if d.PhysicalStart < prev.PhysicalEnd() && prev.PhysicalStart < d.PhysicalEnd() {
				return nil, fmt.Errorf("%w: region %d overlaps region %d", efi.InvalidParameter, i, j)
			}
		}
		out = append(out, d)
	}
	return out, nil
}
