package efi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

const errorBit = 1 << 63

// Status is a firmware status code. Error statuses implement error so they
// can be wrapped with fmt.Errorf and recovered with errors.Is or StatusOf.
type Status uint64

const (
	Success          Status = 0
	LoadError        Status = errorBit | 1
	InvalidParameter Status = errorBit | 2
	Unsupported      Status = errorBit | 3
	BadBufferSize    Status = errorBit | 4
	BufferTooSmall   Status = errorBit | 5
	NotReady         Status = errorBit | 6
	DeviceError      Status = errorBit | 7
	WriteProtected   Status = errorBit | 8
	OutOfResources   Status = errorBit | 9
	VolumeCorrupted  Status = errorBit | 10
	VolumeFull       Status = errorBit | 11
	NoMedia          Status = errorBit | 12
	MediaChanged     Status = errorBit | 13
	NotFound         Status = errorBit | 14
	AccessDenied     Status = errorBit | 15
	Aborted          Status = errorBit | 21
)

var statusText = map[Status]string{
	Success:          "success",
	LoadError:        "load error",
	InvalidParameter: "invalid parameter",
	Unsupported:      "unsupported",
	BadBufferSize:    "bad buffer size",
	BufferTooSmall:   "buffer too small",
	NotReady:         "not ready",
	DeviceError:      "device error",
	WriteProtected:   "write protected",
	OutOfResources:   "out of resources",
	VolumeCorrupted:  "volume corrupted",
	VolumeFull:       "volume full",
	NoMedia:          "no media",
	MediaChanged:     "media changed",
	NotFound:         "not found",
	AccessDenied:     "access denied",
	Aborted:          "aborted",
}

func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status %#x", uint64(s))
}

func (s Status) IsError() bool { return s&errorBit != 0 }

// Code returns the status without the error bit.
func (s Status) Code() uint64 { return uint64(s &^ errorBit) }

// ExitCode maps the status onto a process exit code.
func (s Status) ExitCode() int {
	if s == Success {
		return 0
	}
	code := int(s.Code() & 0xff)
	if code == 0 {
		return 1
	}
	return code
}

// StatusOf returns the status carried by err. Errors that carry no status
// are reported as DeviceError, except for a few well known host errors.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrPermission):
		return AccessDenied
	case errors.Is(err, io.ErrUnexpectedEOF):
		return LoadError
	}
	return DeviceError
}
