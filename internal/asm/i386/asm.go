package i386

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/mbootpack/internal/asm"
)

// Assemble emits fragment for the given mode. origin is the address (or
// segment offset, for 16-bit code) at which the first byte will execute; it is
// only used to resolve absolute label references.
func Assemble(mode Mode, origin uint32, fragment asm.Fragment) (asm.Program, error) {
	if mode != Mode16 && mode != Mode32 {
		return asm.Program{}, fmt.Errorf("unknown mode %d", mode)
	}
	ctx := newContext(mode, origin)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

// MustAssemble is like Assemble but panics on error. It is intended for
// package-level templates whose source is fixed.
func MustAssemble(mode Mode, origin uint32, fragment asm.Fragment) asm.Program {
	prog, err := Assemble(mode, origin, fragment)
	if err != nil {
		panic(fmt.Sprintf("i386: assemble: %v", err))
	}
	return prog
}

type Context struct {
	mode   Mode
	origin uint32
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
	refs   []labelRef
}

var (
	_ asm.Context = (*Context)(nil)
)

type jumpPatch struct {
	label asm.Label
	pos   int
}

// labelRef is an absolute reference to a label, stored width bytes wide.
type labelRef struct {
	label  asm.Label
	pos    int
	width  int
	addend int64
}

func newContext(mode Mode, origin uint32) *Context {
	return &Context{
		mode:   mode,
		origin: origin,
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Offset() int {
	return len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 1)
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return asm.Program{}, fmt.Errorf("short jump to label %q out of range (%d)", j.label, rel)
		}
		c.text[j.pos] = byte(int8(rel))
	}

	for _, ref := range c.refs {
		target, ok := c.labels[ref.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", ref.label)
		}
		value := int64(c.origin) + int64(target) + ref.addend
		switch ref.width {
		case 2:
			if value < 0 || value > math.MaxUint16 {
				return asm.Program{}, fmt.Errorf("address of label %q (%#x) does not fit in 16 bits", ref.label, value)
			}
			binary.LittleEndian.PutUint16(c.text[ref.pos:], uint16(value))
		case 4:
			if value < 0 || value > math.MaxUint32 {
				return asm.Program{}, fmt.Errorf("address of label %q (%#x) does not fit in 32 bits", ref.label, value)
			}
			binary.LittleEndian.PutUint32(c.text[ref.pos:], uint32(value))
		default:
			return asm.Program{}, fmt.Errorf("invalid reference width %d", ref.width)
		}
	}

	return asm.NewProgram(c.text, c.labels), nil
}

// operandPrefix returns the operand-size override needed to use size in the
// current mode.
func (c *Context) operandPrefix(size operandSize) []byte {
	if size == size8 || size == c.mode.defaultSize() {
		return nil
	}
	return []byte{0x66}
}

func (c *Context) emitShortJump(opcode byte, label asm.Label) {
	c.EmitBytes([]byte{opcode, 0})
	c.jumps = append(c.jumps, jumpPatch{label: label, pos: len(c.text) - 1})
}

// emitMem emits prefix, opcode, the ModRM byte for m with the given reg field,
// the displacement and imm.
func (c *Context) emitMem(prefix []byte, opcode []byte, reg byte, m Memory, imm []byte) error {
	if err := m.validate(c.mode); err != nil {
		return err
	}
	modrm, disp, err := c.encodeMemory(reg, m)
	if err != nil {
		return err
	}

	out := make([]byte, 0, 4+len(prefix)+len(opcode)+len(disp)+len(imm))
	if m.hasSeg {
		out = append(out, segmentPrefix[m.seg])
	}
	out = append(out, prefix...)
	out = append(out, opcode...)
	out = append(out, modrm)
	dispPos := len(c.text) + len(out)
	out = append(out, disp...)
	out = append(out, imm...)

	if m.hasLabel {
		c.refs = append(c.refs, labelRef{
			label:  m.label,
			pos:    dispPos,
			width:  len(disp),
			addend: int64(m.disp),
		})
	}
	c.EmitBytes(out)
	return nil
}

func (c *Context) encodeMemory(reg byte, m Memory) (byte, []byte, error) {
	reg = (reg & 7) << 3
	full := 4
	if c.mode == Mode16 {
		full = 2
	}

	fullDisp := func() ([]byte, error) {
		if m.hasLabel {
			return make([]byte, full), nil
		}
		if full == 2 {
			if m.disp < math.MinInt16 || m.disp > math.MaxUint16 {
				return nil, fmt.Errorf("displacement %#x does not fit in 16 bits", m.disp)
			}
			return binary.LittleEndian.AppendUint16(nil, uint16(m.disp)), nil
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(m.disp)), nil
	}

	if !m.hasBase {
		disp, err := fullDisp()
		if err != nil {
			return 0, nil, err
		}
		if c.mode == Mode16 {
			return reg | 6, disp, nil
		}
		return reg | 5, disp, nil
	}

	rm := byte(m.base.id)
	if c.mode == Mode16 {
		rm = rm16[m.base.id]
	}
	// [bp] and [ebp] have no mod=00 form.
	noDispForm := m.base.id != regBP

	switch {
	case !m.hasLabel && m.disp == 0 && noDispForm:
		return reg | rm, nil, nil
	case !m.hasLabel && m.disp >= math.MinInt8 && m.disp <= math.MaxInt8:
		return 0x40 | reg | rm, []byte{byte(int8(m.disp))}, nil
	default:
		disp, err := fullDisp()
		if err != nil {
			return 0, nil, err
		}
		return 0x80 | reg | rm, disp, nil
	}
}

func immBytes(size operandSize, value int64) ([]byte, error) {
	switch size {
	case size8:
		if value < math.MinInt8 || value > math.MaxUint8 {
			return nil, fmt.Errorf("immediate %#x does not fit in 8 bits", value)
		}
		return []byte{byte(value)}, nil
	case size16:
		if value < math.MinInt16 || value > math.MaxUint16 {
			return nil, fmt.Errorf("immediate %#x does not fit in 16 bits", value)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(value)), nil
	case size32:
		if value < math.MinInt32 || value > math.MaxUint32 {
			return nil, fmt.Errorf("immediate %#x does not fit in 32 bits", value)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(value)), nil
	}
	return nil, fmt.Errorf("invalid operand size %d", size)
}
