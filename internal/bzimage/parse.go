package bzimage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tinyrange/mbootpack/internal/trampoline"
)

// File is an image read back from disk.
type File struct {
	Header SetupHeader
	Data   []byte

	payloadOffset int
}

// Parse reads an image and validates its boot protocol header.
func Parse(r io.ReaderAt, size int64) (*File, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	hdr, err := parseSetupHeader(data)
	if err != nil {
		return nil, err
	}

	f := &File{Header: hdr, Data: data}
	f.payloadOffset = hdr.PayloadOffset()
	if f.payloadOffset > len(data) {
		return nil, fmt.Errorf("payload offset %d exceeds image size %d", f.payloadOffset, len(data))
	}
	payloadLen := uint64(len(data) - f.payloadOffset)
	if hdr.PayloadSize() < payloadLen || hdr.PayloadSize()-payloadLen >= 16 {
		return nil, fmt.Errorf("syssize %#x does not match payload of %d bytes", hdr.SysSize, payloadLen)
	}
	return f, nil
}

// LoadAddress returns where a boot loader places the payload.
func (f *File) LoadAddress() uint32 {
	if f.Header.LoadFlags&LoadedHigh != 0 {
		return HighLoadAddress
	}
	return ZImageLoadAddress
}

func (f *File) Payload() []byte {
	return f.Data[f.payloadOffset:]
}

// KernelVersion returns the version string the header points at, if any.
func (f *File) KernelVersion() string {
	if f.Header.KernelVersion == 0 {
		return ""
	}
	off := setupStart + int(f.Header.KernelVersion)
	if off >= len(f.Data) {
		return ""
	}
	s := f.Data[off:]
	if n := bytes.IndexByte(s, 0); n >= 0 {
		return string(s[:n])
	}
	return ""
}

// Memory returns n bytes of the payload as they will appear at physical
// address addr once loaded.
func (f *File) Memory(addr uint32, n int) ([]byte, error) {
	load := uint64(f.LoadAddress())
	payload := f.Payload()
	if uint64(addr) < load || uint64(addr)-load+uint64(n) > uint64(len(payload)) {
		return nil, fmt.Errorf("range [%#x, %#x) is not part of the payload", addr, uint64(addr)+uint64(n))
	}
	off := uint64(addr) - load
	return payload[off : off+uint64(n)], nil
}

// Trampoline returns the addresses the trampoline at the load point was
// patched with.
func (f *File) Trampoline() (mbi, entry uint32, err error) {
	if f.Header.Code32Start != f.LoadAddress() {
		return 0, 0, fmt.Errorf("code32_start %#x is not the load point %#x", f.Header.Code32Start, f.LoadAddress())
	}
	code, err := f.Memory(f.LoadAddress(), trampoline.Size())
	if err != nil {
		return 0, 0, err
	}
	return trampoline.ReadFields(code)
}
