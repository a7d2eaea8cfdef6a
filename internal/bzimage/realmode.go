package bzimage

import (
	"github.com/tinyrange/mbootpack/internal/asm"
	"github.com/tinyrange/mbootpack/internal/asm/i386"
	"github.com/tinyrange/mbootpack/internal/trampoline"
)

const (
	codeSelector = 0x10

	// setupOrigin is the segment offset of the first byte after the header.
	setupOrigin = headerEnd - setupStart

	bootSectorMessage = "This image must be started by a boot loader.\r\n"
)

// bootSectorCode prints a message and halts when the image is booted as a
// floppy or disk image.
func bootSectorCode() asm.Fragment {
	return asm.Group{
		i386.MovImm(i386.AX, 0x07c0),
		i386.MovToSeg(i386.DS, i386.AX),
		i386.MovImmLabel(i386.SI, "message"),
		i386.Cld(),
		asm.MarkLabel("print"),
		i386.Lodsb(),
		i386.TestReg(i386.AL, i386.AL),
		i386.JumpIfZero("halt"),
		i386.MovImm(i386.AH, 0x0e),
		i386.MovImm(i386.BX, 0x0007),
		i386.Int(0x10),
		i386.Jump("print"),
		asm.MarkLabel("halt"),
		i386.Cli(),
		i386.Hlt(),
		i386.Jump("halt"),
		asm.MarkLabel("message"),
		asm.String(bootSectorMessage),
	}
}

var bootSector = i386.MustAssemble(i386.Mode16, 0, bootSectorCode())

// setupCode runs in real mode with CS pointing 0x200 bytes past boot_params.
// It records the BIOS memory sizes in boot_params, enables A20, switches to
// flat protected mode and jumps to code32_start with ESI = boot_params.
func setupCode(version string) asm.Fragment {
	esAltMemK := i386.Abs(paramAltMemK).WithSegment(i386.ES)
	esLowMemK := i386.Abs(paramLowMemK).WithSegment(i386.ES)

	return asm.Group{
		i386.MovFromSeg(i386.AX, i386.CS),
		i386.SubImm(i386.AX, setupStart>>4),
		i386.MovToSeg(i386.ES, i386.AX),
		i386.XorReg(i386.EAX, i386.EAX),
		i386.MovStore(esAltMemK, i386.EAX),
		i386.MovStore(esLowMemK, i386.EAX),

		// Conventional memory in KiB.
		i386.Int(0x12),
		i386.MovStore(esLowMemK, i386.AX),

		// Extended memory: KiB between 1M and 16M plus 64K blocks above.
		i386.MovImm(i386.AX, 0xe801),
		i386.Int(0x15),
		i386.JumpIfCarry("no_e801"),
		i386.TestReg(i386.AX, i386.AX),
		i386.JumpIfNotZero("have_e801"),
		i386.MovReg(i386.AX, i386.CX),
		i386.MovReg(i386.BX, i386.DX),
		asm.MarkLabel("have_e801"),
		i386.AndImm(i386.EAX, 0xffff),
		i386.AndImm(i386.EBX, 0xffff),
		i386.ShlImm(i386.EBX, 6),
		i386.AddReg(i386.EAX, i386.EBX),
		i386.MovStore(esAltMemK, i386.EAX),
		asm.MarkLabel("no_e801"),

		i386.Cli(),

		// Fast A20.
		i386.InAL(0x92),
		i386.OrImm(i386.AL, 0x02),
		i386.AndImm(i386.AL, 0xfe),
		i386.OutAL(0x92),

		i386.MovFromSeg(i386.AX, i386.CS),
		i386.MovToSeg(i386.DS, i386.AX),

		// EBX = linear address of this segment, ESI = boot_params.
		i386.XorReg(i386.EBX, i386.EBX),
		i386.MovFromSeg(i386.BX, i386.CS),
		i386.ShlImm(i386.EBX, 4),
		i386.MovReg(i386.ESI, i386.EBX),
		i386.SubImm(i386.ESI, setupStart),

		i386.MovImmLabel(i386.EAX, "gdt"),
		i386.AddReg(i386.EBX, i386.EAX),
		i386.MovStore(i386.MemLabel("gdt_ptr").WithDisp(2), i386.EBX),

		i386.MovLoad(i386.EAX, i386.Abs(code32StartOffset-setupStart)),
		i386.MovStore(i386.MemLabel("far_ptr"), i386.EAX),

		i386.Lgdt(i386.MemLabel("gdt_ptr")),
		i386.MovFromCR(i386.EAX, i386.CR0),
		i386.OrImm(i386.AL, 0x01),
		i386.MovToCR(i386.CR0, i386.EAX),
		i386.JumpFar32(i386.MemLabel("far_ptr")),

		asm.Align(8, 0),
		asm.MarkLabel("gdt"),
		gdt(),
		asm.MarkLabel("gdt_ptr"),
		asm.Uint16(gdtEntries*8 - 1),
		asm.Uint32(0),
		asm.MarkLabel("far_ptr"),
		asm.Uint32(0),
		asm.Uint16(codeSelector),

		asm.MarkLabel("version"),
		asm.String(version),
	}
}

// assembleSetup returns the setup code and the kernel_version value pointing
// at its version string.
func assembleSetup(version string) (asm.Program, uint16, error) {
	prog, err := i386.Assemble(i386.Mode16, setupOrigin, setupCode(version))
	if err != nil {
		return asm.Program{}, 0, err
	}
	off, _ := prog.Label("version")
	return prog, uint16(setupOrigin + off), nil
}

const (
	gdtEntries = 4
	flatCode   = 0x00cf9a000000ffff
	flatData   = 0x00cf92000000ffff
)

// gdt emits a table with 4 GiB code and data segments at the selectors the
// trampoline expects.
func gdt() asm.Fragment {
	var entries [gdtEntries]uint64
	entries[codeSelector/8] = flatCode
	entries[trampoline.DataSelector/8] = flatData

	group := make(asm.Group, 0, gdtEntries)
	for _, e := range entries {
		group = append(group, asm.Uint64(e))
	}
	return group
}
