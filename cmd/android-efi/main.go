// Command android-efi boots an Android boot image through the Linux EFI
// handover protocol on a hosted platform described by android-efi.yaml.
//
// Every argument is part of the load options string:
//
//	android-efi 3ad9e2c5-27f5-4d44-a8f7-4b2b5c2c1e0a -- console=ttyS0
//	android-efi \EFI\android\boot.img -- androidboot.mode=charger
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/aboot/internal/cmdline"
	"github.com/tinyrange/aboot/internal/config"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/efi/sim"
	"github.com/tinyrange/aboot/internal/linux/boot"
	"github.com/tinyrange/aboot/internal/loader"
	"github.com/tinyrange/aboot/internal/media"
	"golang.org/x/term"
)

// Version is set at link time.
var Version = "dev"

const failureDelay = 3 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "android-efi: %v\n", err)
		if isTerminal(os.Stdout) {
			time.Sleep(failureDelay)
		}
		os.Exit(efi.StatusOf(err).ExitCode())
	}
}

func run(args []string, stdout *os.File) error {
	if os.Getenv("ANDROID_EFI_DEBUG") == "1" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	opts, err := cmdline.Parse(cmdline.EncodeUTF16(strings.Join(args, " ")))
	if err != nil {
		return err
	}
	if opts.ShowVersion {
		fmt.Fprintf(stdout, "android-efi %s\n", Version)
		return nil
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	arch, err := boot.ParseArch(cfg.Arch)
	if err != nil {
		return err
	}
	descs, err := cfg.MemoryMap()
	if err != nil {
		return err
	}

	fw, err := sim.New(descs)
	if err != nil {
		return fmt.Errorf("start firmware: %w", err)
	}
	defer fw.Close()
	fw.SetHandles(efi.Handle(cfg.ImageHandle), cfg.SystemTable)

	host, err := media.NewHost(cfg.LoaderDir, cfg.Disks)
	if err != nil {
		return fmt.Errorf("open volumes: %w", err)
	}
	defer host.Close()

	l := loader.New(fw.System(), host, arch)
	if isTerminal(stdout) {
		l.SetProgress(progress)
	}

	slog.Info("Booting", "arch", arch, "partition", opts.Partition, "path", opts.Path)
	if err := l.Boot(opts); err != nil {
		return err
	}

	for _, h := range fw.Handovers() {
		fmt.Fprintf(stdout, "handover: entry=%#x boot_params=%#x image=%#x system_table=%#x interrupts_disabled=%t\n",
			h.Entry, h.BootParams, uint64(h.ImageHandle), h.SystemTable, h.DisableInterrupts)
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// progress reports a copy on a byte progress bar. The bar finishes when the
// last byte has been written.
func progress(name string, size int64, w io.Writer) io.Writer {
	if size <= 0 {
		return w
	}
	bar := progressbar.DefaultBytes(size, "load "+name)
	return io.MultiWriter(w, bar)
}
