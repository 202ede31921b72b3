package media_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/media"
	"github.com/tinyrange/aboot/internal/media/mediatest"
)

var (
	bootGUID  = uuid.MustParse("3ad9e2c5-27f5-4d44-a8f7-4b2b5c2c1e0a")
	otherGUID = uuid.MustParse("9a1c5b0e-0f5e-4c7b-9d55-1f2a3b4c5d6e")
)

func readAll(t *testing.T, r io.ReaderAt, size int64) []byte {
	t.Helper()
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

func TestOpenPartition(t *testing.T) {
	vols := &mediatest.Volumes{Partitions: []mediatest.Volume{
		{GUID: otherGUID, Raw: []byte("other")},
		{GUID: bootGUID, Raw: []byte("boot partition")},
	}}

	src, err := media.Open(vols, &bootGUID, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Kind() != media.KindPartition {
		t.Fatalf("Kind = %v, want partition", src.Kind())
	}
	if got := readAll(t, src, src.Size()); string(got) != "boot partition" {
		t.Fatalf("contents = %q", got)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := vols.Open(); n != 0 {
		t.Fatalf("%d handles left open", n)
	}
}

func TestOpenFileOnPartition(t *testing.T) {
	vols := &mediatest.Volumes{Partitions: []mediatest.Volume{
		{GUID: bootGUID, Files: map[string][]byte{"EFI/android/boot.img": []byte("image")}},
	}}

	src, err := media.Open(vols, &bootGUID, `\EFI\android\boot.img`)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Kind() != media.KindFile {
		t.Fatalf("Kind = %v, want file", src.Kind())
	}
	if got := readAll(t, src, src.Size()); string(got) != "image" {
		t.Fatalf("contents = %q", got)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := vols.Open(); n != 0 {
		t.Fatalf("%d handles left open", n)
	}
}

func TestOpenFileOnLoaderDevice(t *testing.T) {
	vols := &mediatest.Volumes{Loader: map[string][]byte{"boot.img": []byte("image")}}

	src, err := media.Open(vols, nil, `\boot.img`)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if got := readAll(t, src, src.Size()); string(got) != "image" {
		t.Fatalf("contents = %q", got)
	}
}

func TestOpenErrors(t *testing.T) {
	vols := &mediatest.Volumes{
		Loader: map[string][]byte{},
		Partitions: []mediatest.Volume{
			{GUID: bootGUID},
			{GUID: bootGUID},
		},
	}

	if _, err := media.Open(vols, &otherGUID, ""); !errors.Is(err, efi.NotFound) {
		t.Errorf("missing partition err = %v, want NotFound", err)
	}
	if _, err := media.Open(vols, &bootGUID, ""); !errors.Is(err, efi.VolumeCorrupted) {
		t.Errorf("duplicate partition err = %v, want VolumeCorrupted", err)
	}
	if _, err := media.Open(vols, nil, `\missing.img`); !errors.Is(err, efi.NotFound) {
		t.Errorf("missing file err = %v, want NotFound", err)
	}
	if _, err := media.Open(vols, nil, ""); !errors.Is(err, efi.InvalidParameter) {
		t.Errorf("empty request err = %v, want InvalidParameter", err)
	}
	if n := vols.Open(); n != 0 {
		t.Errorf("%d handles left open after failures", n)
	}
}

func TestHostLoaderDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "EFI", "android"), 0o755); err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte("abcd"), 1024)
	if err := os.WriteFile(filepath.Join(dir, "EFI", "android", "boot.img"), want, 0o644); err != nil {
		t.Fatal(err)
	}

	host, err := media.NewHost(dir, nil)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close()

	src, err := media.Open(host, nil, `\EFI\android\boot.img`)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if src.Size() != int64(len(want)) {
		t.Fatalf("Size = %d, want %d", src.Size(), len(want))
	}
	if got := readAll(t, src, src.Size()); !bytes.Equal(got, want) {
		t.Fatalf("contents differ")
	}

	root, err := host.OpenRoot(host.LoaderDevice())
	if err != nil {
		t.Fatalf("OpenRoot: %v", err)
	}
	defer root.Close()
	for _, name := range []string{`\missing`, `\EFI`, `..\..\etc\passwd`} {
		if _, err := root.Open(name); !errors.Is(err, efi.NotFound) {
			t.Errorf("Open(%q) err = %v, want NotFound", name, err)
		}
	}
}

func TestHostWithoutLoaderDirectory(t *testing.T) {
	host, err := media.NewHost("", nil)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if _, err := host.OpenRoot(host.LoaderDevice()); !errors.Is(err, efi.NotFound) {
		t.Fatalf("OpenRoot err = %v, want NotFound", err)
	}
	if _, err := host.LocatePartition(bootGUID); !errors.Is(err, efi.NotFound) {
		t.Fatalf("LocatePartition err = %v, want NotFound", err)
	}
}

func TestOpenDiskRejectsUnpartitioned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.img")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := media.OpenDisk(path); err == nil {
		t.Fatalf("OpenDisk on blank image succeeded")
	}
}
