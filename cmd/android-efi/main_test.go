package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/aboot/internal/android/androidtest"
	"github.com/tinyrange/aboot/internal/config"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64/amd64test"
)

func runCapture(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer out.Close()

	runErr := run(args, out)
	data, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data), runErr
}

func TestVersion(t *testing.T) {
	got, err := runCapture(t, "--version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "android-efi "+Version+"\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestNoArguments(t *testing.T) {
	_, err := runCapture(t)
	if !errors.Is(err, efi.InvalidParameter) {
		t.Fatalf("run err = %v, want InvalidParameter", err)
	}
	if code := efi.StatusOf(err).ExitCode(); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestBootFromLoaderDirectory(t *testing.T) {
	dir := t.TempDir()
	esp := filepath.Join(dir, "esp")
	if err := os.MkdirAll(filepath.Join(esp, "android"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	img := androidtest.Image{
		Kernel:  amd64test.Kernel{Payload: []byte("payload")}.Build(),
		Ramdisk: []byte("ramdisk"),
		Cmdline: "androidboot.hardware=android_x86",
	}
	if err := os.WriteFile(filepath.Join(esp, "android", "boot.img"), img.Build(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfgPath := filepath.Join(dir, config.DefaultFilename)
	cfg := "arch: x86_64\nmemoryMB: 64\nloaderDir: " + esp + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(config.EnvPath, cfgPath)

	got, err := runCapture(t, `\android\boot.img`, "--", "console=ttyS0")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(got, "handover: entry=0x1000390 ") {
		t.Fatalf("output = %q", got)
	}
}

func TestMissingImage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.DefaultFilename)
	if err := os.WriteFile(cfgPath, []byte("loaderDir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(config.EnvPath, cfgPath)

	_, err := runCapture(t, `\missing.img`)
	if got := efi.StatusOf(err); got != efi.NotFound {
		t.Fatalf("status = %v, want NotFound (err %v)", got, err)
	}
}
