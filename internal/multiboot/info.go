package multiboot

import (
	"encoding/binary"
	"fmt"
)

const (
	BootloaderMagic = 0x2badb002

	// CmdlineSpace is reserved for the command line whatever its length so
	// that a command line supplied by the boot loader can replace it.
	CmdlineSpace = 0x300

	InfoSize   = 88
	moduleSize = 16
)

// Information block flags.
const (
	InfoMemory         uint32 = 1 << 0
	InfoBootDevice     uint32 = 1 << 1
	InfoCmdline        uint32 = 1 << 2
	InfoMods           uint32 = 1 << 3
	InfoBootLoaderName uint32 = 1 << 9
)

// Field offsets within the information structure.
const (
	infoFlags          = 0
	infoMemLower       = 4
	infoMemUpper       = 8
	infoCmdline        = 16
	infoModsCount      = 20
	infoModsAddr       = 24
	infoBootLoaderName = 64
)

type Module struct {
	Start   uint32
	End     uint32
	Cmdline string
}

// Info describes the information block passed to the kernel. Memory sizes are
// filled in at boot by the trampoline.
type Info struct {
	Cmdline        string
	BootLoaderName string
	Modules        []Module
}

// Size returns the encoded size of the block.
func (i *Info) Size() int {
	size := InfoSize + moduleSize*len(i.Modules) + CmdlineSpace
	for _, mod := range i.Modules {
		size += len(mod.Cmdline) + 1
	}
	if i.BootLoaderName != "" {
		size += len(i.BootLoaderName) + 1
	}
	return size
}

// Encode lays the block out for physical address addr: the info structure,
// the module table, the command line space, module strings and finally the
// boot loader name.
func (i *Info) Encode(addr uint32) ([]byte, error) {
	if len(i.Cmdline) > CmdlineSpace-1 {
		return nil, fmt.Errorf("command line of %d bytes exceeds %d", len(i.Cmdline), CmdlineSpace-1)
	}
	size := i.Size()
	if uint64(addr)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("information block at %#x extends past 4 GiB", addr)
	}
	for idx, mod := range i.Modules {
		if mod.End < mod.Start {
			return nil, fmt.Errorf("module %d: end %#x below start %#x", idx, mod.End, mod.Start)
		}
	}

	buf := make([]byte, size)
	le := binary.LittleEndian
	flags := InfoCmdline

	modsAddr := InfoSize
	cmdlineAddr := modsAddr + moduleSize*len(i.Modules)
	strOff := cmdlineAddr + CmdlineSpace

	le.PutUint32(buf[infoCmdline:], addr+uint32(cmdlineAddr))
	copy(buf[cmdlineAddr:], i.Cmdline)

	if len(i.Modules) > 0 {
		flags |= InfoMods
		le.PutUint32(buf[infoModsCount:], uint32(len(i.Modules)))
		le.PutUint32(buf[infoModsAddr:], addr+uint32(modsAddr))
		for idx, mod := range i.Modules {
			entry := buf[modsAddr+idx*moduleSize:]
			le.PutUint32(entry[0:], mod.Start)
			le.PutUint32(entry[4:], mod.End)
			le.PutUint32(entry[8:], addr+uint32(strOff))
			copy(buf[strOff:], mod.Cmdline)
			strOff += len(mod.Cmdline) + 1
		}
	}

	if i.BootLoaderName != "" {
		flags |= InfoBootLoaderName
		le.PutUint32(buf[infoBootLoaderName:], addr+uint32(strOff))
		copy(buf[strOff:], i.BootLoaderName)
	}

	le.PutUint32(buf[infoFlags:], flags)
	return buf, nil
}

// Decoded is an information block read back from its encoded form.
type Decoded struct {
	Flags          uint32
	MemLower       uint32
	MemUpper       uint32
	Cmdline        string
	BootLoaderName string
	Modules        []Module
}

// Decode reads back a block encoded for physical address addr.
func Decode(buf []byte, addr uint32) (*Decoded, error) {
	if len(buf) < InfoSize {
		return nil, fmt.Errorf("information block truncated: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	d := &Decoded{
		Flags:    le.Uint32(buf[infoFlags:]),
		MemLower: le.Uint32(buf[infoMemLower:]),
		MemUpper: le.Uint32(buf[infoMemUpper:]),
	}

	str := func(ptr uint32) (string, error) {
		if ptr < addr || uint64(ptr-addr) >= uint64(len(buf)) {
			return "", fmt.Errorf("string pointer %#x outside the block", ptr)
		}
		s := buf[ptr-addr:]
		for n, b := range s {
			if b == 0 {
				return string(s[:n]), nil
			}
		}
		return "", fmt.Errorf("string at %#x is not terminated", ptr)
	}

	var err error
	if d.Flags&InfoCmdline != 0 {
		if d.Cmdline, err = str(le.Uint32(buf[infoCmdline:])); err != nil {
			return nil, fmt.Errorf("cmdline: %w", err)
		}
	}
	if d.Flags&InfoBootLoaderName != 0 {
		if d.BootLoaderName, err = str(le.Uint32(buf[infoBootLoaderName:])); err != nil {
			return nil, fmt.Errorf("boot loader name: %w", err)
		}
	}
	if d.Flags&InfoMods != 0 {
		count := le.Uint32(buf[infoModsCount:])
		table := le.Uint32(buf[infoModsAddr:])
		if table < addr || uint64(table-addr)+uint64(count)*moduleSize > uint64(len(buf)) {
			return nil, fmt.Errorf("module table at %#x outside the block", table)
		}
		for idx := uint32(0); idx < count; idx++ {
			entry := buf[table-addr+idx*moduleSize:]
			mod := Module{Start: le.Uint32(entry[0:]), End: le.Uint32(entry[4:])}
			if mod.Cmdline, err = str(le.Uint32(entry[8:])); err != nil {
				return nil, fmt.Errorf("module %d: %w", idx, err)
			}
			d.Modules = append(d.Modules, mod)
		}
	}
	return d, nil
}
