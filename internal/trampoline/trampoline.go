// Package trampoline holds the 32-bit stub that sits at the kernel load point
// of a packed image. The setup code enters it in flat protected mode with ESI
// pointing at boot_params; it fills in the parts of the Multiboot information
// block only known at boot time and jumps to the kernel.
package trampoline

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/mbootpack/internal/asm"
	"github.com/tinyrange/mbootpack/internal/asm/i386"
)

const (
	// BootloaderMagic is passed to the kernel in EAX.
	BootloaderMagic = 0x2badb002

	// CmdlineSpace is the room the information block reserves for the
	// command line. At most CmdlineSpace-1 bytes are copied.
	CmdlineSpace = 0x300

	// DataSelector is the flat data segment of the setup code's GDT.
	DataSelector = 0x18
)

// boot_params fields read at run time.
const (
	paramAltMemK      = 0x1e0
	paramLowMemK      = 0x1e4
	paramCmdLinePtr   = 0x228
	defaultLowMemK    = 640
	infoFlagMemory    = 1 << 0
	infoMemLowerField = 4
	infoMemUpperField = 8
	infoCmdlineField  = 16
)

const (
	fieldMBI   asm.Label = "mbi"
	fieldEntry asm.Label = "entry"
)

func program() asm.Fragment {
	return asm.Group{
		i386.Cli(),
		i386.Cld(),
		i386.MovImm(i386.EAX, DataSelector),
		i386.MovToSeg(i386.DS, i386.AX),
		i386.MovToSeg(i386.ES, i386.AX),
		i386.MovToSeg(i386.FS, i386.AX),
		i386.MovToSeg(i386.GS, i386.AX),
		i386.MovToSeg(i386.SS, i386.AX),
		i386.MovImmField(i386.EBX, fieldMBI),
		i386.MovImmField(i386.ECX, fieldEntry),

		// Memory sizes gathered by the setup code, in KiB.
		i386.MovLoad(i386.EAX, i386.Mem(i386.ESI).WithDisp(paramAltMemK)),
		i386.TestReg(i386.EAX, i386.EAX),
		i386.JumpIfZero("no_memory"),
		i386.MovStore(i386.Mem(i386.EBX).WithDisp(infoMemUpperField), i386.EAX),
		i386.MovLoad(i386.EAX, i386.Mem(i386.ESI).WithDisp(paramLowMemK)),
		i386.AndImm(i386.EAX, 0xffff),
		i386.TestReg(i386.EAX, i386.EAX),
		i386.JumpIfNotZero("have_low"),
		i386.MovImm(i386.EAX, defaultLowMemK),
		asm.MarkLabel("have_low"),
		i386.MovStore(i386.Mem(i386.EBX).WithDisp(infoMemLowerField), i386.EAX),
		i386.OrMemImm32(i386.Mem(i386.EBX), infoFlagMemory),
		asm.MarkLabel("no_memory"),

		// Replace the built-in command line with the boot loader's, if any.
		i386.MovLoad(i386.EDI, i386.Mem(i386.EBX).WithDisp(infoCmdlineField)),
		i386.MovLoad(i386.ESI, i386.Mem(i386.ESI).WithDisp(paramCmdLinePtr)),
		i386.TestReg(i386.ESI, i386.ESI),
		i386.JumpIfZero("enter"),
		i386.CmpMemImm8(i386.Mem(i386.ESI), 0),
		i386.JumpIfZero("enter"),
		i386.MovImm(i386.EDX, CmdlineSpace-1),
		asm.MarkLabel("copy"),
		i386.Lodsb(),
		i386.TestReg(i386.AL, i386.AL),
		i386.JumpIfZero("terminate"),
		i386.Stosb(),
		i386.Dec(i386.EDX),
		i386.JumpIfNotZero("copy"),
		asm.MarkLabel("terminate"),
		i386.MovStoreImm8(i386.Mem(i386.EDI), 0),

		asm.MarkLabel("enter"),
		i386.MovImm(i386.EAX, BootloaderMagic),
		i386.JumpReg(i386.ECX),
	}
}

var (
	template    = i386.MustAssemble(i386.Mode32, 0, program())
	mbiOffset   = mustField(fieldMBI)
	entryOffset = mustField(fieldEntry)
)

func mustField(label asm.Label) int {
	off, ok := template.Label(label)
	if !ok {
		panic(fmt.Sprintf("trampoline: field %q missing", label))
	}
	return off
}

// Template returns a copy of the unpatched stub. It is for inspection only;
// use Patch to obtain bytes that can be written to an image.
func Template() []byte {
	return template.Bytes()
}

// Size returns the length of the stub in bytes.
func Size() int {
	return template.Len()
}

// Offsets returns the byte offsets of the information block address and the
// entry address fields.
func Offsets() (mbi, entry int) {
	return mbiOffset, entryOffset
}

// Stub is a patched trampoline. The zero Stub is unsealed and carries no code.
type Stub struct {
	code []byte
}

// Patch writes the information block address and the kernel entry address
// into a fresh copy of the template.
func Patch(mbi, entry uint32) Stub {
	code := template.Bytes()
	binary.LittleEndian.PutUint32(code[mbiOffset:], mbi)
	binary.LittleEndian.PutUint32(code[entryOffset:], entry)
	return Stub{code: code}
}

// Sealed reports whether the stub was produced by Patch.
func (s Stub) Sealed() bool {
	return s.code != nil
}

func (s Stub) Len() int {
	return len(s.code)
}

// Bytes returns a copy of the patched code.
func (s Stub) Bytes() []byte {
	return append([]byte(nil), s.code...)
}

// Fields returns the addresses the stub was patched with.
func (s Stub) Fields() (mbi, entry uint32) {
	if !s.Sealed() {
		return 0, 0
	}
	mbi, entry, _ = ReadFields(s.code)
	return mbi, entry
}

// ReadFields reads the two patched fields back out of stub bytes, for
// example from the load point of a built image.
func ReadFields(b []byte) (mbi, entry uint32, err error) {
	if len(b) < template.Len() {
		return 0, 0, fmt.Errorf("trampoline truncated: %d bytes, want %d", len(b), template.Len())
	}
	if b[mbiOffset-1] != template.Bytes()[mbiOffset-1] || b[entryOffset-1] != template.Bytes()[entryOffset-1] {
		return 0, 0, fmt.Errorf("bytes do not hold a trampoline")
	}
	mbi = binary.LittleEndian.Uint32(b[mbiOffset:])
	entry = binary.LittleEndian.Uint32(b[entryOffset:])
	return mbi, entry, nil
}
