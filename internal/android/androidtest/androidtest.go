// Package androidtest builds synthetic boot images for tests.
package androidtest

import (
	"bytes"

	"github.com/tinyrange/aboot/internal/android"
)

// Image describes a boot image to build.
type Image struct {
	PageSize    uint32
	Name        string
	Cmdline     string
	Kernel      []byte
	Ramdisk     []byte
	Second      []byte
	OSVersion   android.OSVersion
	KernelAddr  uint32
	RamdiskAddr uint32
	TagsAddr    uint32
	Mutate      func(h *android.Header)
}

// Build lays out the image with every blob padded to the page size.
func (img Image) Build() []byte {
	ps := img.PageSize
	if ps == 0 {
		ps = 2048
	}

	var h android.Header
	copy(h.Magic[:], android.Magic)
	h.KernelSize = uint32(len(img.Kernel))
	h.KernelAddr = img.KernelAddr
	h.RamdiskSize = uint32(len(img.Ramdisk))
	h.RamdiskAddr = img.RamdiskAddr
	h.SecondSize = uint32(len(img.Second))
	h.TagsAddr = img.TagsAddr
	h.PageSize = ps
	copy(h.Name[:], img.Name)
	if img.OSVersion != (android.OSVersion{}) {
		h.OSVersion = android.EncodeOSVersion(img.OSVersion)
	}
	n := copy(h.Cmdline[:], img.Cmdline)
	copy(h.ExtraCmdline[:], img.Cmdline[n:])
	if img.Mutate != nil {
		img.Mutate(&h)
	}

	raw, err := h.MarshalBinary()
	if err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	pad := func(b []byte) {
		buf.Write(b)
		if rem := buf.Len() % int(ps); rem != 0 {
			buf.Write(make([]byte, int(ps)-rem))
		}
	}
	pad(raw)
	pad(img.Kernel)
	pad(img.Ramdisk)
	pad(img.Second)
	return buf.Bytes()
}
