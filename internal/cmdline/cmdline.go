// Package cmdline parses the loader's load options: an image locator, an
// optional path, flags and trailing kernel parameters.
//
//	android-efi <partition GUID> [path] [--version] [-- kernel parameters]
//	android-efi <path> [-- kernel parameters]
package cmdline

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/tinyrange/aboot/internal/efi"
	"golang.org/x/text/encoding/unicode"
)

// Usage is printed when no image locator is given.
const Usage = `usage: android-efi <partition GUID> [path] [-- kernel parameters]
       android-efi <path> [-- kernel parameters]
       android-efi --version`

const guidLength = 36

// Options is the result of parsing the load options.
type Options struct {
	// Partition selects the partition holding the boot image.
	Partition *uuid.UUID
	// Path is a firmware style path to the boot image. With Partition set
	// it is relative to that partition's file system, otherwise to the
	// loader's own device.
	Path string
	// KernelParameters is the verbatim text after "-- ". It is nil when no
	// separator was given.
	KernelParameters []uint16
	ShowVersion      bool
}

// KernelParametersUTF8 transcodes the trailing kernel parameters.
func (o *Options) KernelParametersUTF8() (string, error) {
	if len(o.KernelParameters) == 0 {
		return "", nil
	}
	raw := make([]byte, 2*len(o.KernelParameters))
	for i, u := range o.KernelParameters {
		raw[2*i] = byte(u)
		raw[2*i+1] = byte(u >> 8)
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: kernel parameters: %v", efi.InvalidParameter, err)
	}
	return string(out), nil
}

// EncodeUTF16 converts s into load option code units.
func EncodeUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

type argKind int

const (
	argFirst argKind = iota
	argImage
	argKernelParameters
)

type flag struct {
	name  string
	apply func(o *Options) (stop bool)
}

var flags = []flag{
	{name: "version", apply: func(o *Options) bool {
		o.ShowVersion = true
		return true
	}},
}

type parser struct {
	buf  []uint16
	pos  int
	kind argKind
	// imageTokens counts tokens consumed by the image argument; the first is
	// the locator, the second a path.
	imageTokens int
	opts        Options
}

// Parse tokenizes buf. Parsing stops at the first zero code unit.
func Parse(buf []uint16) (*Options, error) {
	if i := slices.Index(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	p := &parser{buf: buf}
	return p.run()
}

func (p *parser) run() (*Options, error) {
	for p.kind != argKernelParameters {
		p.skipSpaces()
		if p.pos >= len(p.buf) {
			break
		}

		if dashes := p.dashes(); dashes == 2 {
			p.pos += 2
			if p.pos >= len(p.buf) || p.buf[p.pos] == ' ' {
				p.kernelParameters()
				break
			}
			stop, err := p.flag()
			if err != nil {
				return nil, err
			}
			if stop {
				return &p.opts, nil
			}
			continue
		}

		if err := p.positional(p.token()); err != nil {
			return nil, err
		}
	}

	if p.opts.Partition == nil && p.opts.Path == "" {
		return nil, fmt.Errorf("%w: no boot image given\n%s", efi.InvalidParameter, Usage)
	}
	return &p.opts, nil
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.buf) && p.buf[p.pos] == ' ' {
		p.pos++
	}
}

// dashes counts leading dashes of the token at pos, up to two.
func (p *parser) dashes() int {
	n := 0
	for n < 2 && p.pos+n < len(p.buf) && p.buf[p.pos+n] == '-' {
		n++
	}
	return n
}

func (p *parser) token() []uint16 {
	start := p.pos
	for p.pos < len(p.buf) && p.buf[p.pos] != ' ' {
		p.pos++
	}
	return p.buf[start:p.pos]
}

func (p *parser) kernelParameters() {
	if p.pos < len(p.buf) {
		// Skip exactly the separating space; the rest is verbatim.
		p.pos++
	}
	p.opts.KernelParameters = slices.Clone(p.buf[p.pos:])
	p.pos = len(p.buf)
	p.kind = argKernelParameters
}

// flag handles a "--name" token. The argument kind in effect before the flag
// carries on after it.
func (p *parser) flag() (bool, error) {
	name := string(utf16.Decode(p.token()))
	for _, f := range flags {
		if f.name == name {
			return f.apply(&p.opts), nil
		}
	}
	return false, fmt.Errorf("%w: unknown flag --%s", efi.InvalidParameter, name)
}

func (p *parser) positional(tok []uint16) error {
	text := string(utf16.Decode(tok))
	p.kind = argImage
	p.imageTokens++

	switch p.imageTokens {
	case 1:
		if strings.ContainsAny(text, `/\`) {
			p.opts.Path = normalizePath(text)
			return nil
		}
		guid, err := parseGUID(text)
		if err != nil {
			return err
		}
		p.opts.Partition = &guid
		return nil
	case 2:
		if p.opts.Path != "" {
			return fmt.Errorf("%w: unexpected argument %q after path", efi.InvalidParameter, text)
		}
		p.opts.Path = normalizePath(text)
		return nil
	}
	return fmt.Errorf("%w: unexpected argument %q", efi.InvalidParameter, text)
}

func parseGUID(text string) (uuid.UUID, error) {
	if len(text) != guidLength {
		return uuid.UUID{}, fmt.Errorf("%w: expected partition GUID, got %q", efi.InvalidParameter, text)
	}
	guid, err := uuid.Parse(text)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: expected partition GUID, got %q", efi.InvalidParameter, text)
	}
	return guid, nil
}

func normalizePath(text string) string {
	return strings.ReplaceAll(text, "/", string(efi.PathSeparator))
}
