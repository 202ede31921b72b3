package media

import (
	"errors"
	"testing"

	"github.com/tinyrange/aboot/internal/efi"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`\boot.img`, "boot.img"},
		{`\EFI\android\boot.img`, "EFI/android/boot.img"},
		{"/EFI/android/../boot.img", "EFI/boot.img"},
		{`initrd\\extra.img`, "initrd/extra.img"},
		{`..\..\x`, "x"},
	}
	for _, tt := range tests {
		got, err := cleanPath(tt.in)
		if err != nil {
			t.Errorf("cleanPath(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("cleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, in := range []string{"", `\`, "/./"} {
		if _, err := cleanPath(in); !errors.Is(err, efi.InvalidParameter) {
			t.Errorf("cleanPath(%q) err = %v, want InvalidParameter", in, err)
		}
	}
}
