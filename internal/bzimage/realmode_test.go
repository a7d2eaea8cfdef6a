package bzimage

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/mbootpack/internal/asm/testutil"
)

func TestBootSectorFitsBeforeHeader(t *testing.T) {
	if bootSector.Len() > setupHeaderOffset {
		t.Fatalf("boot sector code is %d bytes, header starts at %#x", bootSector.Len(), setupHeaderOffset)
	}
}

func TestSetupCodeFits(t *testing.T) {
	prog, version, err := assembleSetup(DefaultKernelVersion)
	if err != nil {
		t.Fatalf("assembleSetup failed: %v", err)
	}
	if prog.Len() > MaxSetupCode {
		t.Fatalf("setup code is %d bytes, room for %d", prog.Len(), MaxSetupCode)
	}
	code := prog.Bytes()
	off := int(version) - setupOrigin
	if !bytes.HasPrefix(code[off:], append([]byte(DefaultKernelVersion), 0)) {
		t.Fatalf("kernel_version %#x does not point at the version string", version)
	}
}

func TestSetupGDT(t *testing.T) {
	prog, _, err := assembleSetup("x")
	if err != nil {
		t.Fatalf("assembleSetup failed: %v", err)
	}
	code := prog.Bytes()
	gdtOff, ok := prog.Label("gdt")
	if !ok {
		t.Fatal("gdt label missing")
	}
	le := binary.LittleEndian
	if got := le.Uint64(code[gdtOff+codeSelector:]); got != flatCode {
		t.Errorf("code descriptor = %#x, want %#x", got, flatCode)
	}
	if got := le.Uint64(code[gdtOff+0x18:]); got != flatData {
		t.Errorf("data descriptor = %#x, want %#x", got, flatData)
	}
	ptrOff, _ := prog.Label("gdt_ptr")
	if got := le.Uint16(code[ptrOff:]); got != 0x1f {
		t.Errorf("gdt limit = %#x, want 0x1f", got)
	}
	farOff, _ := prog.Label("far_ptr")
	if got := le.Uint16(code[farOff+4:]); got != codeSelector {
		t.Errorf("far pointer selector = %#x, want %#x", got, codeSelector)
	}
}

func TestBootSectorDisassembly(t *testing.T) {
	lines := testutil.Disassemble(t, bootSector.Bytes(), true)
	testutil.Expect(t, lines,
		testutil.I("mov", "ax", "0x7c0"),
		testutil.I("mov", "ds", "ax"),
		testutil.I("mov", "si"),
		testutil.I("cld"),
		testutil.I("lods"),
		testutil.I("test", "al", "al"),
		testutil.I("je"),
		testutil.I("mov", "ah", "0xe"),
		testutil.I("mov", "bx", "0x7"),
		testutil.I("int", "0x10"),
	)
}

func TestSetupDisassembly(t *testing.T) {
	prog, _, err := assembleSetup(DefaultKernelVersion)
	if err != nil {
		t.Fatalf("assembleSetup failed: %v", err)
	}
	lines := testutil.Disassemble(t, prog.Bytes(), true)
	testutil.Expect(t, lines,
		testutil.I("mov", "ax", "cs"),
		testutil.I("sub", "ax", "0x20"),
		testutil.I("mov", "es", "ax"),
		testutil.I("xor", "eax", "eax"),
		testutil.I("mov", "es:0x1e0"),
		testutil.I("mov", "es:0x1e4"),
		testutil.I("int", "0x12"),
	)
}
