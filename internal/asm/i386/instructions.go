package i386

import (
	"fmt"

	"github.com/tinyrange/mbootpack/internal/asm"
)

func op(code ...byte) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.EmitBytes(code)
		return nil
	})
}

func Cli() asm.Fragment   { return op(0xfa) }
func Sti() asm.Fragment   { return op(0xfb) }
func Cld() asm.Fragment   { return op(0xfc) }
func Hlt() asm.Fragment   { return op(0xf4) }
func Lodsb() asm.Fragment { return op(0xac) }
func Stosb() asm.Fragment { return op(0xaa) }

// Int raises software interrupt n.
func Int(n uint8) asm.Fragment { return op(0xcd, n) }

// InAL reads a byte from an I/O port into AL.
func InAL(port uint8) asm.Fragment { return op(0xe4, port) }

// OutAL writes AL to an I/O port.
func OutAL(port uint8) asm.Fragment { return op(0xe6, port) }

func MovImm(dst Reg, value uint32) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		imm, err := immBytes(dst.size, int64(value))
		if err != nil {
			return err
		}
		opcode := byte(0xb8)
		if dst.size == size8 {
			opcode = 0xb0
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{opcode + byte(dst.id)})
		c.EmitBytes(imm)
		return nil
	})
}

// MovImmLabel loads the absolute address of label into dst.
func MovImmLabel(dst Reg, label asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size == size8 {
			return fmt.Errorf("label address needs a 16- or 32-bit register")
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{0xb8 + byte(dst.id)})
		c.refs = append(c.refs, labelRef{label: label, pos: len(c.text), width: int(dst.size)})
		c.EmitBytes(make([]byte, dst.size))
		return nil
	})
}

// MovImmField loads a 32-bit immediate into dst whose value is left as zero
// and patched after assembly. field marks the offset of the immediate.
func MovImmField(dst Reg, field asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size != size32 {
			return fmt.Errorf("field %q needs a 32-bit register", field)
		}
		if _, exists := c.GetLabel(field); exists {
			return fmt.Errorf("label %q already defined", field)
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{0xb8 + byte(dst.id)})
		c.SetLabel(field)
		c.EmitBytes(make([]byte, 4))
		return nil
	})
}

// regReg encodes a two-register instruction. opcode8 is used for 8-bit
// operands and opcode8+1 for 16/32-bit ones.
func regReg(opcode8 byte, dst, src Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size != src.size {
			return fmt.Errorf("register size mismatch (%d vs %d bytes)", dst.size, src.size)
		}
		opcode := opcode8
		if dst.size != size8 {
			opcode++
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{opcode, 0xc0 | byte(src.id)<<3 | byte(dst.id)})
		return nil
	})
}

func MovReg(dst, src Reg) asm.Fragment  { return regReg(0x88, dst, src) }
func AddReg(dst, src Reg) asm.Fragment  { return regReg(0x00, dst, src) }
func XorReg(dst, src Reg) asm.Fragment  { return regReg(0x30, dst, src) }
func TestReg(dst, src Reg) asm.Fragment { return regReg(0x84, dst, src) }

// MovLoad loads dst from memory.
func MovLoad(dst Reg, m Memory) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		opcode := byte(0x8b)
		if dst.size == size8 {
			opcode = 0x8a
		}
		return c.emitMem(c.operandPrefix(dst.size), []byte{opcode}, byte(dst.id), m, nil)
	})
}

// MovStore stores src to memory.
func MovStore(m Memory, src Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		opcode := byte(0x89)
		if src.size == size8 {
			opcode = 0x88
		}
		return c.emitMem(c.operandPrefix(src.size), []byte{opcode}, byte(src.id), m, nil)
	})
}

// MovStoreImm8 stores a byte immediate to memory.
func MovStoreImm8(m Memory, value byte) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		return c.emitMem(nil, []byte{0xc6}, 0, m, []byte{value})
	})
}

// MovToSeg loads a segment register from a general-purpose register.
func MovToSeg(dst SegReg, src Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst == CS {
			return fmt.Errorf("cs cannot be loaded with mov")
		}
		if src.size == size8 {
			return fmt.Errorf("segment load needs a 16- or 32-bit register")
		}
		c.EmitBytes([]byte{0x8e, 0xc0 | byte(dst)<<3 | byte(src.id)})
		return nil
	})
}

// MovFromSeg copies a segment register into dst.
func MovFromSeg(dst Reg, src SegReg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size == size8 {
			return fmt.Errorf("segment store needs a 16- or 32-bit register")
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{0x8c, 0xc0 | byte(src)<<3 | byte(dst.id)})
		return nil
	})
}

type aluOp byte

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluCmp aluOp = 7
)

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func arithImm(alu aluOp, dst Reg, value int64) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size == size8 {
			imm, err := immBytes(size8, value)
			if err != nil {
				return err
			}
			if dst.id == regA {
				c.EmitBytes([]byte{byte(alu)<<3 | 4, imm[0]})
				return nil
			}
			c.EmitBytes([]byte{0x80, 0xc0 | byte(alu)<<3 | byte(dst.id), imm[0]})
			return nil
		}
		modrm := 0xc0 | byte(alu)<<3 | byte(dst.id)
		c.EmitBytes(c.operandPrefix(dst.size))
		if fitsInt8(value) {
			c.EmitBytes([]byte{0x83, modrm, byte(int8(value))})
			return nil
		}
		imm, err := immBytes(dst.size, value)
		if err != nil {
			return err
		}
		c.EmitBytes([]byte{0x81, modrm})
		c.EmitBytes(imm)
		return nil
	})
}

func AddImm(dst Reg, value int64) asm.Fragment { return arithImm(aluAdd, dst, value) }
func OrImm(dst Reg, value int64) asm.Fragment  { return arithImm(aluOr, dst, value) }
func AndImm(dst Reg, value int64) asm.Fragment { return arithImm(aluAnd, dst, value) }
func SubImm(dst Reg, value int64) asm.Fragment { return arithImm(aluSub, dst, value) }
func CmpImm(dst Reg, value int64) asm.Fragment { return arithImm(aluCmp, dst, value) }

func arithMemImm(alu aluOp, size operandSize, m Memory, value int64) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if size == size8 {
			imm, err := immBytes(size8, value)
			if err != nil {
				return err
			}
			return c.emitMem(nil, []byte{0x80}, byte(alu), m, imm)
		}
		if fitsInt8(value) {
			return c.emitMem(c.operandPrefix(size), []byte{0x83}, byte(alu), m, []byte{byte(int8(value))})
		}
		imm, err := immBytes(size, value)
		if err != nil {
			return err
		}
		return c.emitMem(c.operandPrefix(size), []byte{0x81}, byte(alu), m, imm)
	})
}

// OrMemImm32 ORs a 32-bit immediate into a dword in memory.
func OrMemImm32(m Memory, value int64) asm.Fragment { return arithMemImm(aluOr, size32, m, value) }

// CmpMemImm8 compares a byte in memory with an immediate.
func CmpMemImm8(m Memory, value byte) asm.Fragment {
	return arithMemImm(aluCmp, size8, m, int64(value))
}

func ShlImm(dst Reg, count uint8) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		modrm := 0xe0 | byte(dst.id)
		if dst.size == size8 {
			c.EmitBytes([]byte{0xc0, modrm, count})
			return nil
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{0xc1, modrm, count})
		return nil
	})
}

func Dec(dst Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		modrm := 0xc8 | byte(dst.id)
		if dst.size == size8 {
			c.EmitBytes([]byte{0xfe, modrm})
			return nil
		}
		c.EmitBytes(c.operandPrefix(dst.size))
		c.EmitBytes([]byte{0xff, modrm})
		return nil
	})
}

// Jump emits a short unconditional jump to label.
func Jump(label asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitShortJump(0xeb, label)
		return nil
	})
}

func JumpIfZero(label asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitShortJump(0x74, label)
		return nil
	})
}

func JumpIfNotZero(label asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitShortJump(0x75, label)
		return nil
	})
}

func JumpIfCarry(label asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitShortJump(0x72, label)
		return nil
	})
}

// JumpReg jumps to the address held in target.
func JumpReg(target Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if target.size != c.mode.defaultSize() {
			return fmt.Errorf("indirect jump register must be %d-bit", c.mode.defaultSize()*8)
		}
		c.EmitBytes([]byte{0xff, 0xe0 | byte(target.id)})
		return nil
	})
}

// JumpFar32 jumps through a 6-byte offset32:selector pointer in memory.
func JumpFar32(m Memory) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		return c.emitMem(c.operandPrefix(size32), []byte{0xff}, 5, m, nil)
	})
}

// Lgdt loads the GDT register from a 6-byte limit:base pseudo-descriptor. In
// 16-bit mode the operand-size prefix is emitted so all 32 base bits load.
func Lgdt(m Memory) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		return c.emitMem(c.operandPrefix(size32), []byte{0x0f, 0x01}, 2, m, nil)
	})
}

func MovFromCR(dst Reg, cr ControlReg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if dst.size != size32 {
			return fmt.Errorf("control register moves need a 32-bit register")
		}
		c.EmitBytes([]byte{0x0f, 0x20, 0xc0 | byte(cr)<<3 | byte(dst.id)})
		return nil
	})
}

func MovToCR(cr ControlReg, src Reg) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if src.size != size32 {
			return fmt.Errorf("control register moves need a 32-bit register")
		}
		c.EmitBytes([]byte{0x0f, 0x22, 0xc0 | byte(cr)<<3 | byte(src.id)})
		return nil
	})
}
