package i386

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/mbootpack/internal/asm"
)

func mustBytes(t *testing.T, mode Mode, origin uint32, frag asm.Fragment) []byte {
	t.Helper()
	prog, err := Assemble(mode, origin, frag)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return prog.Bytes()
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		frag asm.Fragment
		want []byte
	}{
		{"mov ebx imm32", Mode32, MovImm(EBX, 0x12345678), []byte{0xbb, 0x78, 0x56, 0x34, 0x12}},
		{"mov ebx imm32 real mode", Mode16, MovImm(EBX, 0), []byte{0x66, 0xbb, 0, 0, 0, 0}},
		{"mov ah imm8", Mode16, MovImm(AH, 0x0e), []byte{0xb4, 0x0e}},
		{"mov bx imm16", Mode16, MovImm(BX, 7), []byte{0xbb, 0x07, 0x00}},
		{"mov ax cs", Mode16, MovFromSeg(AX, CS), []byte{0x8c, 0xc8}},
		{"mov ds ax", Mode16, MovToSeg(DS, AX), []byte{0x8e, 0xd8}},
		{"mov ss ax protected", Mode32, MovToSeg(SS, AX), []byte{0x8e, 0xd0}},
		{"mov esi ebx real mode", Mode16, MovReg(ESI, EBX), []byte{0x66, 0x89, 0xde}},
		{"xor ebx ebx real mode", Mode16, XorReg(EBX, EBX), []byte{0x66, 0x31, 0xdb}},
		{"add ebx eax real mode", Mode16, AddReg(EBX, EAX), []byte{0x66, 0x01, 0xc3}},
		{"test al al", Mode32, TestReg(AL, AL), []byte{0x84, 0xc0}},
		{"test esi esi", Mode32, TestReg(ESI, ESI), []byte{0x85, 0xf6}},
		{"load disp32", Mode32, MovLoad(ESI, Mem(ESI).WithDisp(0x228)), []byte{0x8b, 0xb6, 0x28, 0x02, 0x00, 0x00}},
		{"load disp8", Mode32, MovLoad(EDI, Mem(EBX).WithDisp(16)), []byte{0x8b, 0x7b, 0x10}},
		{"load ebp base", Mode32, MovLoad(EAX, Mem(EBP)), []byte{0x8b, 0x45, 0x00}},
		{"store disp8", Mode32, MovStore(Mem(EBX).WithDisp(8), EAX), []byte{0x89, 0x43, 0x08}},
		{"store es override", Mode16, MovStore(Abs(0x1e0).WithSegment(ES), EAX), []byte{0x26, 0x66, 0x89, 0x06, 0xe0, 0x01}},
		{"store ax absolute", Mode16, MovStore(Abs(0x1e4).WithSegment(ES), AX), []byte{0x26, 0x89, 0x06, 0xe4, 0x01}},
		{"cmp byte", Mode32, CmpMemImm8(Mem(ESI), 0), []byte{0x80, 0x3e, 0x00}},
		{"mov byte", Mode32, MovStoreImm8(Mem(EDI), 0), []byte{0xc6, 0x07, 0x00}},
		{"or dword", Mode32, OrMemImm32(Mem(EBX), 1), []byte{0x83, 0x0b, 0x01}},
		{"or al", Mode16, OrImm(AL, 2), []byte{0x0c, 0x02}},
		{"and al", Mode16, AndImm(AL, 0xfe), []byte{0x24, 0xfe}},
		{"and eax wide", Mode16, AndImm(EAX, 0xffff), []byte{0x66, 0x81, 0xe0, 0xff, 0xff, 0x00, 0x00}},
		{"sub ax small", Mode16, SubImm(AX, 0x20), []byte{0x83, 0xe8, 0x20}},
		{"sub esi wide", Mode16, SubImm(ESI, 0x200), []byte{0x66, 0x81, 0xee, 0x00, 0x02, 0x00, 0x00}},
		{"shl ebx", Mode16, ShlImm(EBX, 4), []byte{0x66, 0xc1, 0xe3, 0x04}},
		{"dec edx", Mode32, Dec(EDX), []byte{0xff, 0xca}},
		{"lgdt real mode", Mode16, Lgdt(Abs(0x40)), []byte{0x66, 0x0f, 0x01, 0x16, 0x40, 0x00}},
		{"ljmp real mode", Mode16, JumpFar32(Abs(0x50)), []byte{0x66, 0xff, 0x2e, 0x50, 0x00}},
		{"jmp ecx", Mode32, JumpReg(ECX), []byte{0xff, 0xe1}},
		{"mov eax cr0", Mode16, MovFromCR(EAX, CR0), []byte{0x0f, 0x20, 0xc0}},
		{"mov cr0 eax", Mode16, MovToCR(CR0, EAX), []byte{0x0f, 0x22, 0xc0}},
		{"in al", Mode16, InAL(0x92), []byte{0xe4, 0x92}},
		{"out al", Mode16, OutAL(0x92), []byte{0xe6, 0x92}},
		{"int", Mode16, Int(0x15), []byte{0xcd, 0x15}},
		{"sti", Mode16, Sti(), []byte{0xfb}},
		{"cmp al", Mode16, CmpImm(AL, 0), []byte{0x3c, 0x00}},
		{"cmp ax wide", Mode16, CmpImm(AX, 0x200), []byte{0x81, 0xf8, 0x00, 0x02}},
		{"add ebx small", Mode32, AddImm(EBX, 0x10), []byte{0x83, 0xc3, 0x10}},
		{"mov eax cr3", Mode32, MovFromCR(EAX, CR3), []byte{0x0f, 0x20, 0xd8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustBytes(t, tt.mode, 0, tt.frag)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("encoding = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestLabelReferences(t *testing.T) {
	got := mustBytes(t, Mode16, 0x100, asm.Group{
		MovImmLabel(SI, "msg"),
		Jump("end"),
		asm.MarkLabel("msg"),
		asm.String("hi"),
		asm.MarkLabel("end"),
		Hlt(),
	})
	want := []byte{0xbe, 0x05, 0x01, 0xeb, 0x03, 'h', 'i', 0x00, 0xf4}
	if !bytes.Equal(got, want) {
		t.Fatalf("code = % x, want % x", got, want)
	}
}

func TestBackwardJump(t *testing.T) {
	got := mustBytes(t, Mode32, 0, asm.Group{
		asm.MarkLabel("top"),
		Dec(ECX),
		JumpIfNotZero("top"),
	})
	want := []byte{0xff, 0xc9, 0x75, 0xfc}
	if !bytes.Equal(got, want) {
		t.Fatalf("code = % x, want % x", got, want)
	}
}

func TestMemoryLabelDisplacement(t *testing.T) {
	got := mustBytes(t, Mode16, 0x3c, asm.Group{
		MovStore(MemLabel("ptr").WithDisp(2), EBX),
		asm.MarkLabel("ptr"),
		asm.Uint16(0x1f),
		asm.Uint32(0),
	})
	want := []byte{0x66, 0x89, 0x1e, 0x43, 0x00, 0x1f, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("code = % x, want % x", got, want)
	}
}

func TestImmediateField(t *testing.T) {
	prog, err := Assemble(Mode32, 0, asm.Group{
		Cli(),
		MovImmField(EBX, "field"),
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	off, ok := prog.Label("field")
	if !ok {
		t.Fatal("field label missing")
	}
	if off != 2 {
		t.Fatalf("field offset = %d, want 2", off)
	}
	want := []byte{0xfa, 0xbb, 0, 0, 0, 0}
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("code = % x, want % x", got, want)
	}
}

func TestAlign(t *testing.T) {
	got := mustBytes(t, Mode32, 0, asm.Group{Hlt(), asm.Align(8, 0x90)})
	want := []byte{0xf4, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	if !bytes.Equal(got, want) {
		t.Fatalf("code = % x, want % x", got, want)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		frag asm.Fragment
		want string
	}{
		{"short jump range", Mode32, asm.Group{Jump("far"), asm.Data(make([]byte, 200)), asm.MarkLabel("far")}, "out of range"},
		{"undefined label", Mode32, JumpIfZero("missing"), "undefined label"},
		{"duplicate label", Mode32, asm.Group{asm.MarkLabel("a"), asm.MarkLabel("a")}, "already defined"},
		{"imm8 overflow", Mode16, MovImm(AL, 0x100), "does not fit"},
		{"field width", Mode32, MovImmField(BX, "f"), "32-bit"},
		{"esp base", Mode32, MovLoad(EAX, Mem(ESP)), "SIB"},
		{"bad 16-bit base", Mode16, MovLoad(AX, Mem(AX)), "16-bit base"},
		{"32-bit base in real mode", Mode16, MovLoad(AX, Mem(EBX)), "16-bit"},
		{"size mismatch", Mode32, MovReg(EAX, BX), "mismatch"},
		{"load cs", Mode16, MovToSeg(CS, AX), "cs"},
		{"jump register width", Mode32, JumpReg(CX), "32-bit"},
		{"label address overflow", Mode16, asm.Group{MovImmLabel(AX, "l"), asm.MarkLabel("l")}, "16 bits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := uint32(0)
			if tt.name == "label address overflow" {
				origin = 0xffff
			}
			_, err := Assemble(tt.mode, origin, tt.frag)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
