// Package loader sequences a full boot: open the image, place the kernel,
// command line and ramdisk, then hand over to the kernel. Any failure once
// memory has been reserved releases everything reserved so far.
package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/aboot/internal/android"
	"github.com/tinyrange/aboot/internal/cmdline"
	"github.com/tinyrange/aboot/internal/efi"
	"github.com/tinyrange/aboot/internal/linux/boot"
	"github.com/tinyrange/aboot/internal/linux/boot/amd64"
	"github.com/tinyrange/aboot/internal/media"
	"github.com/tinyrange/aboot/internal/ramdisk"
)

// Stage names a step of the load in the order they run.
type Stage int

const (
	StageSourceOpened Stage = iota
	StageHeaderValidated
	StageBootParamsAllocated
	StageSetupHeaderRead
	StageSetupHeaderValidated
	StageKernelAllocated
	StageKernelLoaded
	StageCmdlineCopied
	StageRamdiskResolved
	StageSourceClosed
)

var stageNames = [...]string{
	"open boot image",
	"validate boot image",
	"allocate boot params",
	"read setup header",
	"validate setup header",
	"allocate kernel",
	"load kernel",
	"copy command line",
	"load ramdisk",
	"close boot image",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError records the stage a load failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return e.Stage.String() + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// ProgressFunc wraps w to report a copy of size bytes named name.
type ProgressFunc func(name string, size int64, w io.Writer) io.Writer

// Loader loads Android boot images.
type Loader struct {
	volumes  media.Volumes
	proto    *boot.Protocol
	progress ProgressFunc
}

func New(sys efi.System, vols media.Volumes, arch boot.Arch) *Loader {
	return &Loader{
		volumes: vols,
		proto:   boot.New(sys, arch),
	}
}

// SetProgress installs a progress sink for the kernel and ramdisk copies.
func (l *Loader) SetProgress(fn ProgressFunc) { l.progress = fn }

func (l *Loader) Protocol() *boot.Protocol { return l.proto }

// Boot loads the image and enters the kernel.
func (l *Loader) Boot(opts *cmdline.Options) error {
	bp, err := l.Load(opts)
	if err != nil {
		return err
	}
	return l.proto.EnterKernel(bp)
}

// Load places everything the kernel needs in memory and returns the boot
// params ready for EnterKernel. On failure nothing stays allocated.
func (l *Loader) Load(opts *cmdline.Options) (_ *boot.BootParams, err error) {
	var (
		rb    rollback
		stage Stage
	)
	defer func() {
		if err != nil {
			rb.unwind()
			err = &StageError{Stage: stage, Err: err}
		}
	}()
	done := func(s Stage, args ...any) {
		slog.Debug("load stage complete", append([]any{"stage", s.String()}, args...)...)
	}

	stage = StageSourceOpened
	src, err := media.Open(l.volumes, opts.Partition, opts.Path)
	if err != nil {
		return nil, err
	}
	rb.push("close boot image", src.Close)
	done(stage, "source", src.String(), "size", src.Size())

	stage = StageHeaderValidated
	img, err := android.Open(src)
	if err != nil {
		return nil, err
	}
	done(stage, "name", img.Name(), "os_version", img.OSVersion().String(), "kernel_size", img.KernelSize(), "ramdisk_size", img.RamdiskSize())

	stage = StageBootParamsAllocated
	bp, err := l.proto.AllocateBootParams()
	if err != nil {
		return nil, err
	}
	rb.push("release boot params", func() error {
		l.proto.Release(bp)
		return nil
	})
	done(stage, "addr", fmt.Sprintf("%#x", bp.Addr))

	stage = StageSetupHeaderRead
	raw := make([]byte, amd64.SetupHeaderSize)
	if err := img.ReadKernel(raw, amd64.SetupHeaderOffset); err != nil {
		return nil, err
	}
	if err := l.proto.LoadSetupHeader(bp, raw); err != nil {
		return nil, err
	}
	done(stage)

	stage = StageSetupHeaderValidated
	if err := l.proto.Validate(bp); err != nil {
		return nil, err
	}
	done(stage)

	stage = StageKernelAllocated
	if err := l.proto.AllocateKernel(bp); err != nil {
		return nil, err
	}
	hdr := bp.Header()
	done(stage, "addr", fmt.Sprintf("%#x", hdr.Code32Start), "init_size", hdr.InitSize)

	stage = StageKernelLoaded
	if err := l.loadKernel(bp, img); err != nil {
		return nil, err
	}
	done(stage)

	stage = StageCmdlineCopied
	line, err := l.commandLine(img, opts)
	if err != nil {
		return nil, err
	}
	if _, err := l.proto.AllocateCmdline(bp); err != nil {
		return nil, err
	}
	if err := l.proto.WriteCmdline(bp, line); err != nil {
		return nil, err
	}
	done(stage, "cmdline", string(line))

	stage = StageRamdiskResolved
	asm := &ramdisk.Assembler{
		Protocol: l.proto,
		OpenRoot: func() (media.Dir, error) { return l.volumes.OpenRoot(l.volumes.LoaderDevice()) },
	}
	asm.Progress = l.progress
	if err := asm.Assemble(line, bp, img); err != nil {
		return nil, err
	}
	hdr = bp.Header()
	done(stage, "addr", fmt.Sprintf("%#x", hdr.RamdiskImage), "size", hdr.RamdiskSize)

	// Everything placed in memory now belongs to the kernel.
	rb.commit()
	stage = StageSourceClosed
	if cerr := src.Close(); cerr != nil {
		slog.Warn("close boot image", "err", cerr)
	}
	done(stage)
	return bp, nil
}

func (l *Loader) loadKernel(bp *boot.BootParams, img *android.Image) error {
	hdr := bp.Header()
	off := hdr.KernelOffset()
	r, err := img.KernelReader(off)
	if err != nil {
		return err
	}
	size := r.Size()

	var src io.Reader = r
	if l.progress != nil {
		src = io.TeeReader(r, l.progress("kernel", size, io.Discard))
	}
	return l.proto.LoadKernel(bp, src, size)
}

// commandLine joins the embedded command line with the kernel parameters
// from the load options, separated by a single space.
func (l *Loader) commandLine(img *android.Image, opts *cmdline.Options) ([]byte, error) {
	line := img.Cmdline()
	params, err := opts.KernelParametersUTF8()
	if err != nil {
		return nil, err
	}
	if params != "" {
		if len(line) > 0 {
			line = append(line, ' ')
		}
		line = append(line, params...)
	}
	return line, nil
}

// IsStage reports whether err is a load failure in stage s.
func IsStage(err error, s Stage) bool {
	var se *StageError
	return errors.As(err, &se) && se.Stage == s
}
