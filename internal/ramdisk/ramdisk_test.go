package ramdisk

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/aboot/internal/android"
	"github.com/tinyrange/aboot/internal/android/androidtest"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/efi/sim"
	"github.com/tinyrange/aboot/internal/linux/boot"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64/amd64test"
	"github.com/tinyrange/aboot/internal/media"
	"github.com/tinyrange/aboot/internal/media/mediatest"
)

func TestPaths(t *testing.T) {
	tests := []struct {
		cmdline string
		want    []string
	}{
		{"console=ttyS0 quiet", nil},
		{`initrd=\a.img`, []string{`\a.img`}},
		{`console=ttyS0 initrd=/a.img initrd=\b.img quiet`, []string{"/a.img", `\b.img`}},
		{"noinitrd=/x.img myinitrd=/y.img", nil},
		{"initrd= initrd=/a.img", []string{"/a.img"}},
		{"initrd=/a.img,/b.img", []string{"/a.img,/b.img"}},
	}
	for _, tt := range tests {
		got, err := Paths([]byte(tt.cmdline))
		if err != nil {
			t.Errorf("Paths(%q): %v", tt.cmdline, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Paths(%q) mismatch (-want +got):\n%s", tt.cmdline, diff)
		}
	}
}

func TestPathsLimit(t *testing.T) {
	line := "initrd=/1 initrd=/2 initrd=/3 initrd=/4"
	if _, err := Paths([]byte(line)); err != nil {
		t.Fatalf("Paths with %d files: %v", MaxFiles, err)
	}
	if _, err := Paths([]byte(line + " initrd=/5")); !errors.Is(err, efi.OutOfResources) {
		t.Fatalf("Paths with 5 files err = %v, want OutOfResources", err)
	}
}

type fixture struct {
	fw    *sim.Firmware
	proto *boot.Protocol
	bp    *boot.BootParams
	vols  *mediatest.Volumes
	asm   *Assembler
}

func newFixture(t *testing.T, files map[string][]byte) *fixture {
	t.Helper()
	fw, err := sim.New(sim.DefaultMemoryMap(64 << 20))
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { fw.Close() })

	proto := boot.New(fw.System(), boot.ArchX8664)
	bp, err := proto.AllocateBootParams()
	if err != nil {
		t.Fatalf("AllocateBootParams: %v", err)
	}
	raw := amd64test.Kernel{}.Build()
	if err := proto.LoadSetupHeader(bp, raw[amd64.SetupHeaderOffset:amd64.SetupHeaderOffset+amd64.SetupHeaderSize]); err != nil {
		t.Fatalf("LoadSetupHeader: %v", err)
	}

	vols := &mediatest.Volumes{Loader: files}
	return &fixture{
		fw:    fw,
		proto: proto,
		bp:    bp,
		vols:  vols,
		asm: &Assembler{
			Protocol: proto,
			OpenRoot: func() (media.Dir, error) { return vols.OpenRoot(vols.LoaderDevice()) },
		},
	}
}

func openImage(t *testing.T, ramdisk []byte) *android.Image {
	t.Helper()
	raw := androidtest.Image{PageSize: 2048, Kernel: []byte("kernel"), Ramdisk: ramdisk}.Build()
	img, err := android.Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("android.Open: %v", err)
	}
	return img
}

func (f *fixture) ramdisk(t *testing.T) []byte {
	t.Helper()
	hdr := f.bp.Header()
	if hdr.RamdiskImage == 0 {
		return nil
	}
	got, err := f.fw.ReadPhys(uint64(hdr.RamdiskImage), int(hdr.RamdiskSize))
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	return got
}

func TestAssembleConcatenates(t *testing.T) {
	first := bytes.Repeat([]byte{1}, 100)
	second := bytes.Repeat([]byte{2}, 200)
	embedded := bytes.Repeat([]byte{3}, 50)

	f := newFixture(t, map[string][]byte{"a.img": first, "dir/b.img": second})
	img := openImage(t, embedded)

	if err := f.asm.Assemble([]byte(`quiet initrd=/a.img initrd=\dir\b.img`), f.bp, img); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := f.bp.Header().RamdiskSize; got != 350 {
		t.Fatalf("ramdisk_size = %d, want 350", got)
	}
	want := append(append(append([]byte{}, first...), second...), embedded...)
	if got := f.ramdisk(t); !bytes.Equal(got, want) {
		t.Fatalf("ramdisk contents differ")
	}
	if n := f.vols.Open(); n != 0 {
		t.Fatalf("%d handles left open", n)
	}
}

func TestAssembleEmbeddedOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.asm.OpenRoot = func() (media.Dir, error) {
		t.Fatalf("OpenRoot called without initrd= options")
		return nil, nil
	}
	embedded := []byte("embedded ramdisk")
	img := openImage(t, embedded)

	if err := f.asm.Assemble([]byte("console=ttyS0"), f.bp, img); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := f.ramdisk(t); !bytes.Equal(got, embedded) {
		t.Fatalf("ramdisk = %q, want %q", got, embedded)
	}
}

func TestAssembleNothing(t *testing.T) {
	f := newFixture(t, nil)
	before := f.fw.AllocatedPages()
	if err := f.asm.Assemble(nil, f.bp, openImage(t, nil)); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if hdr := f.bp.Header(); hdr.RamdiskImage != 0 || hdr.RamdiskSize != 0 {
		t.Fatalf("ramdisk fields set without a ramdisk")
	}
	if f.fw.AllocatedPages() != before {
		t.Fatalf("pages reserved without a ramdisk")
	}
}

func TestAssembleMissingFileClosesOpened(t *testing.T) {
	f := newFixture(t, map[string][]byte{"a.img": []byte("a")})
	before := f.fw.AllocatedPages()

	err := f.asm.Assemble([]byte("initrd=/a.img initrd=/missing.img"), f.bp, openImage(t, []byte("x")))
	if !errors.Is(err, efi.NotFound) {
		t.Fatalf("Assemble err = %v, want NotFound", err)
	}
	if n := f.vols.Open(); n != 0 {
		t.Fatalf("%d handles left open", n)
	}
	if f.fw.AllocatedPages() != before {
		t.Fatalf("pages reserved after failure")
	}
}

func TestAssembleCpioArchives(t *testing.T) {
	modules := buildNewc([]cpioFile{{name: "/lib/modules/virtio.ko", data: []byte("module")}})
	firmware := buildNewc([]cpioFile{{name: "/lib/firmware/fw.bin", data: []byte("firmware blob")}})
	embedded := buildNewc([]cpioFile{{name: "/init", data: []byte("#!/bin/sh\n")}})

	f := newFixture(t, map[string][]byte{"modules.cpio": modules, "firmware.cpio": firmware})
	if err := f.asm.Assemble([]byte("initrd=/modules.cpio initrd=/firmware.cpio"), f.bp, openImage(t, embedded)); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got := f.ramdisk(t)
	// Each archive starts on a 4 byte boundary, so the kernel unpacks them
	// one after another.
	offsets := []int{0, len(modules), len(modules) + len(firmware)}
	for _, off := range offsets {
		if off%4 != 0 {
			t.Fatalf("archive at %d not 4 byte aligned", off)
		}
		if magic := string(got[off : off+len(newcMagic)]); magic != newcMagic {
			t.Fatalf("archive at %d starts with %q", off, magic)
		}
	}
}

func TestAssembleProgress(t *testing.T) {
	f := newFixture(t, map[string][]byte{"a.img": []byte("aaaa")})
	var names []string
	var copied int64
	f.asm.Progress = func(name string, size int64, w io.Writer) io.Writer {
		names = append(names, name)
		return writerFunc(func(p []byte) (int, error) {
			copied += int64(len(p))
			return w.Write(p)
		})
	}
	if err := f.asm.Assemble([]byte("initrd=/a.img"), f.bp, openImage(t, []byte("bb"))); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if diff := cmp.Diff([]string{"/a.img", "embedded ramdisk"}, names); diff != "" {
		t.Fatalf("progress names mismatch (-want +got):\n%s", diff)
	}
	if copied != 6 {
		t.Fatalf("copied = %d, want 6", copied)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
