// Package multiboot reads Multiboot (version 1) kernel headers and encodes the
// information block handed to the kernel at boot.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderMagic = 0x1badb002

	// HeaderSearchLimit is how far into the file the header may start.
	HeaderSearchLimit = 8192
	headerAlign       = 4
	headerSize        = 12
	addressFieldsSize = 20
)

// Header flags. The low 16 bits are requirements the loader must honour.
const (
	FlagPageAlign  uint32 = 1 << 0
	FlagMemoryInfo uint32 = 1 << 1
	FlagVideoMode  uint32 = 1 << 2
	FlagAddress    uint32 = 1 << 16

	requiredMask  uint32 = 0xffff
	supportedMask        = FlagPageAlign | FlagMemoryInfo
)

var ErrNoHeader = errors.New("no multiboot header in the first 8192 bytes")

type Header struct {
	// Offset is the file offset of the magic.
	Offset int
	Flags  uint32

	// Valid when Flags has FlagAddress.
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
	EntryAddr   uint32
}

// FindHeader scans data for a Multiboot header.
func FindHeader(data []byte) (*Header, error) {
	limit := min(len(data), HeaderSearchLimit)
	for off := 0; off+headerSize <= limit; off += headerAlign {
		if binary.LittleEndian.Uint32(data[off:]) != HeaderMagic {
			continue
		}
		flags := binary.LittleEndian.Uint32(data[off+4:])
		checksum := binary.LittleEndian.Uint32(data[off+8:])
		if HeaderMagic+flags+checksum != 0 {
			continue
		}
		hdr := &Header{Offset: off, Flags: flags}
		if flags&FlagAddress != 0 {
			if off+headerSize+addressFieldsSize > len(data) {
				return nil, fmt.Errorf("multiboot header at %#x: address fields truncated", off)
			}
			fields := data[off+headerSize:]
			hdr.HeaderAddr = binary.LittleEndian.Uint32(fields[0:])
			hdr.LoadAddr = binary.LittleEndian.Uint32(fields[4:])
			hdr.LoadEndAddr = binary.LittleEndian.Uint32(fields[8:])
			hdr.BSSEndAddr = binary.LittleEndian.Uint32(fields[12:])
			hdr.EntryAddr = binary.LittleEndian.Uint32(fields[16:])
		}
		return hdr, nil
	}
	return nil, ErrNoHeader
}

// Check rejects headers with requirements a packed image cannot satisfy.
func (h *Header) Check() error {
	if unsupported := h.Flags & requiredMask &^ supportedMask; unsupported != 0 {
		if unsupported&FlagVideoMode != 0 {
			return fmt.Errorf("kernel requires video mode information, which is not provided")
		}
		return fmt.Errorf("kernel requires unsupported features %#x", unsupported)
	}
	if h.Flags&FlagAddress == 0 {
		return fmt.Errorf("kernel has no load address fields; only a.out-kludge kernels can be packed")
	}
	return nil
}

// Image is a kernel as it will be laid out in memory.
type Image struct {
	Start   uint32
	Data    []byte
	MemSize uint32
	Entry   uint32
}

// Load extracts the loadable part of the kernel file described by h.
func (h *Header) Load(data []byte) (*Image, error) {
	if err := h.Check(); err != nil {
		return nil, err
	}
	if h.HeaderAddr < h.LoadAddr {
		return nil, fmt.Errorf("header address %#x below load address %#x", h.HeaderAddr, h.LoadAddr)
	}
	delta := uint64(h.HeaderAddr - h.LoadAddr)
	if delta > uint64(h.Offset) {
		return nil, fmt.Errorf("load address %#x lies before the start of the file", h.LoadAddr)
	}
	fileStart := uint64(h.Offset) - delta

	fileEnd := uint64(len(data))
	if h.LoadEndAddr != 0 {
		if h.LoadEndAddr < h.LoadAddr {
			return nil, fmt.Errorf("load end %#x below load address %#x", h.LoadEndAddr, h.LoadAddr)
		}
		fileEnd = fileStart + uint64(h.LoadEndAddr-h.LoadAddr)
		if fileEnd > uint64(len(data)) {
			return nil, fmt.Errorf("load end %#x past the end of the file", h.LoadEndAddr)
		}
	}

	img := &Image{
		Start: h.LoadAddr,
		Data:  data[fileStart:fileEnd],
		Entry: h.EntryAddr,
	}
	memSize := uint64(len(img.Data))
	if h.BSSEndAddr != 0 {
		if uint64(h.BSSEndAddr) < uint64(h.LoadAddr)+memSize {
			return nil, fmt.Errorf("bss end %#x inside the loaded data", h.BSSEndAddr)
		}
		memSize = uint64(h.BSSEndAddr - h.LoadAddr)
	}
	if uint64(h.LoadAddr)+memSize > 1<<32 {
		return nil, fmt.Errorf("kernel image extends past 4 GiB")
	}
	img.MemSize = uint32(memSize)

	if uint64(img.Entry) < uint64(img.Start) || uint64(img.Entry) >= uint64(img.Start)+memSize {
		return nil, fmt.Errorf("entry %#x outside the kernel image [%#x, %#x)", img.Entry, img.Start, uint64(img.Start)+memSize)
	}
	return img, nil
}
