package ramdisk

import (
	"bytes"
	"fmt"
	"strings"
)

// cpioFile is one regular file in a newc archive.
type cpioFile struct {
	name string
	data []byte
}

const (
	newcMagic       = "070701"
	newcHeaderLen   = 110
	newcTrailerName = "TRAILER!!!"
	newcRegularFile = 0o100644
)

// buildNewc writes a newc cpio archive, the format the kernel unpacks from
// each concatenated initrd.
func buildNewc(files []cpioFile) []byte {
	var buf bytes.Buffer
	for i, f := range files {
		writeNewcEntry(&buf, uint32(i+1), newcRegularFile, strings.TrimPrefix(f.name, "/"), f.data)
	}
	writeNewcEntry(&buf, 0, 0, newcTrailerName, nil)
	return buf.Bytes()
}

func writeNewcEntry(buf *bytes.Buffer, ino, mode uint32, name string, data []byte) {
	nameSize := len(name) + 1
	fmt.Fprintf(buf, "%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic, ino, mode, 0, 0, 1, 0, len(data), 0, 0, 0, 0, nameSize, 0)
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.Write(make([]byte, pad4(newcHeaderLen+nameSize)))
	buf.Write(data)
	buf.Write(make([]byte, pad4(len(data))))
}

func pad4(n int) int {
	return (4 - n%4) % 4
}
