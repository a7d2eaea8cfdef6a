package i386

import (
	"fmt"

	"github.com/tinyrange/mbootpack/internal/asm"
)

// Mode selects the default operand and address size of the emitted code.
type Mode int

const (
	Mode16 Mode = 16
	Mode32 Mode = 32
)

func (m Mode) defaultSize() operandSize {
	if m == Mode16 {
		return size16
	}
	return size32
}

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
)

type regID uint8

const (
	regA regID = iota
	regC
	regD
	regB
	regSP
	regBP
	regSI
	regDI
)

// Reg is a general-purpose register with an explicit operand size.
type Reg struct {
	id   regID
	size operandSize
}

var (
	AL = Reg{id: regA, size: size8}
	CL = Reg{id: regC, size: size8}
	DL = Reg{id: regD, size: size8}
	BL = Reg{id: regB, size: size8}
	AH = Reg{id: regSP, size: size8}
	CH = Reg{id: regBP, size: size8}
	DH = Reg{id: regSI, size: size8}
	BH = Reg{id: regDI, size: size8}

	AX = Reg{id: regA, size: size16}
	CX = Reg{id: regC, size: size16}
	DX = Reg{id: regD, size: size16}
	BX = Reg{id: regB, size: size16}
	SP = Reg{id: regSP, size: size16}
	BP = Reg{id: regBP, size: size16}
	SI = Reg{id: regSI, size: size16}
	DI = Reg{id: regDI, size: size16}

	EAX = Reg{id: regA, size: size32}
	ECX = Reg{id: regC, size: size32}
	EDX = Reg{id: regD, size: size32}
	EBX = Reg{id: regB, size: size32}
	ESP = Reg{id: regSP, size: size32}
	EBP = Reg{id: regBP, size: size32}
	ESI = Reg{id: regSI, size: size32}
	EDI = Reg{id: regDI, size: size32}
)

// SegReg identifies a segment register by its ModRM encoding.
type SegReg uint8

const (
	ES SegReg = 0
	CS SegReg = 1
	SS SegReg = 2
	DS SegReg = 3
	FS SegReg = 4
	GS SegReg = 5
)

var segmentPrefix = map[SegReg]byte{
	ES: 0x26,
	CS: 0x2e,
	SS: 0x36,
	DS: 0x3e,
	FS: 0x64,
	GS: 0x65,
}

// ControlReg identifies a control register (CR0, CR3, ...).
type ControlReg uint8

const (
	CR0 ControlReg = 0
	CR2 ControlReg = 2
	CR3 ControlReg = 3
	CR4 ControlReg = 4
)

// Memory describes an effective address. A memory operand has an optional
// base register, a displacement and optionally a label whose absolute address
// is added to the displacement when the program is finalized.
type Memory struct {
	base     Reg
	hasBase  bool
	disp     int32
	label    asm.Label
	hasLabel bool
	seg      SegReg
	hasSeg   bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{base: base, hasBase: true}
}

// Abs constructs a memory operand referencing the absolute offset [addr].
func Abs(addr int32) Memory {
	return Memory{disp: addr}
}

// MemLabel constructs a memory operand referencing the address of label.
func MemLabel(label asm.Label) Memory {
	return Memory{label: label, hasLabel: true}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// WithSegment returns a copy of the memory operand using a segment override.
func (m Memory) WithSegment(seg SegReg) Memory {
	m.seg = seg
	m.hasSeg = true
	return m
}

func (m Memory) validate(mode Mode) error {
	if m.hasSeg {
		if _, ok := segmentPrefix[m.seg]; !ok {
			return fmt.Errorf("invalid segment override %d", m.seg)
		}
	}
	if !m.hasBase {
		return nil
	}
	switch mode {
	case Mode32:
		if m.base.size != size32 {
			return fmt.Errorf("base register must be 32-bit in 32-bit mode")
		}
		if m.base.id == regSP {
			return fmt.Errorf("esp base requires a SIB byte, which is not supported")
		}
	case Mode16:
		if m.base.size != size16 {
			return fmt.Errorf("base register must be 16-bit in 16-bit mode")
		}
		if _, ok := rm16[m.base.id]; !ok {
			return fmt.Errorf("register %d cannot be used as a 16-bit base", m.base.id)
		}
	default:
		return fmt.Errorf("unknown mode %d", mode)
	}
	return nil
}

// rm16 maps the 16-bit base registers onto their ModRM r/m field.
var rm16 = map[regID]byte{
	regSI: 4,
	regDI: 5,
	regBP: 6,
	regB:  7,
}

type fragmentFunc func(*Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	c, ok := ctx.(*Context)
	if !ok {
		return fmt.Errorf("i386 fragment emitted into %T", ctx)
	}
	return f(c)
}
