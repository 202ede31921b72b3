// Package ramdisk builds the initial ramdisk handed to the kernel: files
// named by initrd= options followed by the boot image's embedded ramdisk,
// packed back to back in one allocation.
package ramdisk

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tinyrange/aboot/internal/android"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot"
	"github.com/tinyrange/aboot/internal/media"
)

// MaxFiles is the most initrd= files a command line may name.
const MaxFiles = 4

const option = "initrd="

// Paths returns the values of initrd= options in order. Options only match
// at the start of the line or after a space, and a value runs to the next
// space. Empty values are ignored.
func Paths(cmdline []byte) ([]string, error) {
	var paths []string
	for i := 0; i < len(cmdline); {
		j := bytes.Index(cmdline[i:], []byte(option))
		if j < 0 {
			break
		}
		start := i + j
		i = start + len(option)
		if start > 0 && cmdline[start-1] != ' ' {
			continue
		}

		end := bytes.IndexByte(cmdline[i:], ' ')
		if end < 0 {
			end = len(cmdline) - i
		}
		value := string(cmdline[i : i+end])
		i += end
		if value == "" {
			continue
		}
		if len(paths) == MaxFiles {
			return nil, fmt.Errorf("%w: more than %d initrd= files", efi.OutOfResources, MaxFiles)
		}
		paths = append(paths, value)
	}
	return paths, nil
}

// Assembler places the ramdisk for one load.
type Assembler struct {
	Protocol *boot.Protocol
	// OpenRoot opens the volume initrd= paths are resolved against. It is
	// only called when the command line names files.
	OpenRoot func() (media.Dir, error)
	// Progress, when set, wraps the destination of each copy.
	Progress func(name string, size int64, w io.Writer) io.Writer
}

type segment struct {
	name string
	r    io.Reader
	size int64
}

// Assemble reads the final command line, allocates one region for every
// listed file plus the embedded ramdisk and copies them in. Every file it
// opens is closed before it returns.
func (a *Assembler) Assemble(cmdline []byte, bp *boot.BootParams, img *android.Image) error {
	paths, err := Paths(cmdline)
	if err != nil {
		return err
	}

	var segments []segment
	if len(paths) > 0 {
		root, err := a.OpenRoot()
		if err != nil {
			return fmt.Errorf("open initrd volume: %w", err)
		}
		defer closeLogged("initrd volume", root)

		for _, p := range paths {
			f, err := root.Open(p)
			if err != nil {
				return fmt.Errorf("open initrd %s: %w", p, err)
			}
			defer closeLogged(p, f)
			segments = append(segments, segment{name: p, r: io.NewSectionReader(f, 0, f.Size()), size: f.Size()})
		}
	}
	if img.RamdiskSize() > 0 {
		segments = append(segments, segment{name: "embedded ramdisk", r: img.RamdiskReader(), size: int64(img.RamdiskSize())})
	}

	var total uint64
	for _, s := range segments {
		total += uint64(s.size)
	}
	if total > math.MaxUint32 {
		return fmt.Errorf("%w: ramdisk of %#x bytes exceeds 4 GiB", efi.OutOfResources, total)
	}
	if total == 0 {
		slog.Debug("no ramdisk")
		return nil
	}

	alloc, err := a.Protocol.AllocateRamdisk(bp, uint32(total))
	if err != nil {
		return err
	}

	w := io.NewOffsetWriter(a.Protocol.Memory(), int64(alloc.Addr))
	for _, s := range segments {
		var dst io.Writer = w
		if a.Progress != nil {
			dst = a.Progress(s.name, s.size, w)
		}
		n, err := io.Copy(dst, s.r)
		if err != nil {
			return fmt.Errorf("copy %s: %w", s.name, err)
		}
		if n != s.size {
			return fmt.Errorf("%w: %s truncated at %#x of %#x bytes", efi.LoadError, s.name, n, s.size)
		}
		slog.Debug("ramdisk segment", "name", s.name, "size", s.size)
	}
	return nil
}

func closeLogged(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "name", name, "err", err)
	}
}
