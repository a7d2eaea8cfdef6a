package bzimage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerMagic     = "HdrS"
	bootFlag        = 0xaa55
	ProtocolVersion = 0x0206

	// LoadedHigh is the loadflags bit telling the boot loader to place the
	// protected-mode payload at 0x100000.
	LoadedHigh = 0x01

	normalVGA      = 0xffff
	defaultSysSeg  = 0x1000
	setupMoveSize  = 0x8000
	initrdAddrMax  = 0x37ffffff
	maxCmdlineSize = 0x2ff
)

// SetupHeader holds the boot protocol fields written into and read from the
// first two sectors of an image.
type SetupHeader struct {
	SetupSectors    uint8
	RootFlags       uint16
	SysSize         uint32
	VidMode         uint16
	BootFlag        uint16
	HeaderLength    uint8
	ProtocolVersion uint16
	StartSysSeg     uint16
	KernelVersion   uint16
	TypeOfLoader    uint8
	LoadFlags       uint8
	SetupMoveSize   uint16
	Code32Start     uint32
	HeapEndPtr      uint16
	CmdLinePtr      uint32
	InitrdAddrMax   uint32
	KernelAlignment uint32
	CmdlineSize     uint32
}

// PayloadOffset returns the file offset of the protected-mode payload.
func (h *SetupHeader) PayloadOffset() int {
	return sectorSize * (1 + int(h.SetupSectors))
}

// PayloadSize returns the payload length declared by syssize.
func (h *SetupHeader) PayloadSize() uint64 {
	return uint64(h.SysSize) * 16
}

func (h *SetupHeader) put(buf []byte) {
	le := binary.LittleEndian
	buf[setupSectsOffset] = h.SetupSectors
	le.PutUint16(buf[rootFlagsOffset:], h.RootFlags)
	le.PutUint32(buf[sysSizeOffset:], h.SysSize)
	le.PutUint16(buf[vidModeOffset:], h.VidMode)
	le.PutUint16(buf[bootFlagOffset:], h.BootFlag)
	// jmp short past the header.
	buf[jumpOffset] = 0xeb
	buf[jumpOffset+1] = h.HeaderLength
	copy(buf[headerMagicOffset:], headerMagic)
	le.PutUint16(buf[protocolVersionOffset:], h.ProtocolVersion)
	le.PutUint16(buf[startSysSegOffset:], h.StartSysSeg)
	le.PutUint16(buf[kernelVersionOffset:], h.KernelVersion)
	buf[typeOfLoaderOffset] = h.TypeOfLoader
	buf[loadFlagsOffset] = h.LoadFlags
	le.PutUint16(buf[setupMoveSizeOffset:], h.SetupMoveSize)
	le.PutUint32(buf[code32StartOffset:], h.Code32Start)
	le.PutUint16(buf[heapEndPtrOffset:], h.HeapEndPtr)
	le.PutUint32(buf[cmdLinePtrOffset:], h.CmdLinePtr)
	le.PutUint32(buf[initrdAddrMaxOffset:], h.InitrdAddrMax)
	le.PutUint32(buf[kernelAlignmentOffset:], h.KernelAlignment)
	le.PutUint32(buf[cmdlineSizeOffset:], h.CmdlineSize)
}

func parseSetupHeader(data []byte) (SetupHeader, error) {
	var hdr SetupHeader
	if len(data) < headerMagicOffset+4 {
		return hdr, errors.New("image too small")
	}
	le := binary.LittleEndian
	hdr.BootFlag = le.Uint16(data[bootFlagOffset:])
	if hdr.BootFlag != bootFlag {
		return hdr, fmt.Errorf("boot flag %#04x, want %#04x", hdr.BootFlag, bootFlag)
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return hdr, errors.New("missing HdrS signature; not a Linux bzImage")
	}
	hdr.HeaderLength = data[jumpOffset+1]
	end := headerMagicOffset + int(hdr.HeaderLength)
	if end > len(data) {
		return hdr, errors.New("setup header extends past end of image")
	}
	if end < headerEnd {
		return hdr, fmt.Errorf("setup header ends at %#x; protocol %#04x fields are missing", end, ProtocolVersion)
	}

	hdr.SetupSectors = data[setupSectsOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.RootFlags = le.Uint16(data[rootFlagsOffset:])
	hdr.SysSize = le.Uint32(data[sysSizeOffset:])
	hdr.VidMode = le.Uint16(data[vidModeOffset:])
	hdr.ProtocolVersion = le.Uint16(data[protocolVersionOffset:])
	hdr.StartSysSeg = le.Uint16(data[startSysSegOffset:])
	hdr.KernelVersion = le.Uint16(data[kernelVersionOffset:])
	hdr.TypeOfLoader = data[typeOfLoaderOffset]
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.SetupMoveSize = le.Uint16(data[setupMoveSizeOffset:])
	hdr.Code32Start = le.Uint32(data[code32StartOffset:])
	hdr.HeapEndPtr = le.Uint16(data[heapEndPtrOffset:])
	hdr.CmdLinePtr = le.Uint32(data[cmdLinePtrOffset:])
	hdr.InitrdAddrMax = le.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = le.Uint32(data[kernelAlignmentOffset:])
	hdr.CmdlineSize = le.Uint32(data[cmdlineSizeOffset:])
	return hdr, nil
}
