package asm

import (
	"encoding/binary"
	"fmt"
)

type Label string

// Context receives the output of fragments. Architecture packages provide
// their own implementation and may type-assert to reach encoder state.
type Context interface {
	EmitBytes(data []byte)
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is the assembled output of a fragment: raw code plus the offsets of
// every label defined while emitting it.
type Program struct {
	code   []byte
	labels map[Label]int
}

func NewProgram(code []byte, labels map[Label]int) Program {
	copied := make(map[Label]int, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		labels: copied,
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

// Label returns the offset of label within the program.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

type rawBytes struct {
	data []byte
}

// Data emits data verbatim.
func Data(data []byte) Fragment {
	return &rawBytes{data: append([]byte(nil), data...)}
}

// String emits s followed by a NUL terminator.
func String(s string) Fragment {
	return Data(append([]byte(s), 0))
}

func Uint16(v uint16) Fragment {
	return Data(binary.LittleEndian.AppendUint16(nil, v))
}

func Uint32(v uint32) Fragment {
	return Data(binary.LittleEndian.AppendUint32(nil, v))
}

func Uint64(v uint64) Fragment {
	return Data(binary.LittleEndian.AppendUint64(nil, v))
}

func (r *rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(r.data)
	return nil
}

type align struct {
	boundary int
	fill     byte
}

// Align pads with fill until the output offset is a multiple of boundary.
func Align(boundary int, fill byte) Fragment {
	return &align{boundary: boundary, fill: fill}
}

func (a *align) Emit(ctx Context) error {
	if a.boundary <= 0 || a.boundary&(a.boundary-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", a.boundary)
	}
	pad := alignUp(ctx.Offset(), a.boundary) - ctx.Offset()
	if pad == 0 {
		return nil
	}
	buf := make([]byte, pad)
	for i := range buf {
		buf[i] = a.fill
	}
	ctx.EmitBytes(buf)
	return nil
}

func alignUp(value, boundary int) int {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}
