// Package testutil checks assembler output against GNU objdump.
package testutil

import (
	"bufio"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
)

// Line is one decoded instruction.
type Line struct {
	Offset uint64
	Op     string
	Args   string
}

func (l Line) String() string {
	return strings.TrimSpace(l.Op + " " + l.Args)
}

// Insn is an expected instruction. An empty Op matches any mnemonic; every
// entry of Args must appear in the operand text.
type Insn struct {
	Op   string
	Args []string
}

func I(op string, args ...string) Insn {
	return Insn{Op: op, Args: args}
}

// Disassemble runs objdump over flat x86 code in Intel syntax. realMode
// selects 16-bit decoding. The test is skipped when objdump is missing or was
// built without the i386 target.
func Disassemble(t *testing.T, code []byte, realMode bool) []Line {
	t.Helper()

	tool, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := t.TempDir() + string(os.PathSeparator) + "code.bin"
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}

	syntax := "intel"
	if realMode {
		syntax += ",i8086"
	}
	out, err := exec.Command(tool, "-D", "-b", "binary", "-m", "i386", "-M", syntax, "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Skipf("objdump failed: %v\n\n%s", err, out)
	}

	lines := parse(string(out))
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", out)
	}
	return lines
}

// parse keeps lines of the form "   1c:\tmov    eax,0x18".
func parse(out string) []Line {
	var lines []Line
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		addr, text, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSpace(addr), 16, 64)
		if err != nil {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "<") {
			continue
		}
		lines = append(lines, Line{
			Offset: off,
			Op:     strings.ToLower(fields[0]),
			Args:   strings.Join(fields[1:], " "),
		})
	}
	return lines
}

// Expect checks that the disassembly starts with want, in order. Anything
// after the last expectation (data decoded as code, padding) is ignored.
func Expect(t *testing.T, lines []Line, want ...Insn) {
	t.Helper()
	if len(lines) < len(want) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(want))
	}
	for i, w := range want {
		got := lines[i]
		if w.Op != "" && got.Op != w.Op {
			t.Fatalf("instruction %d at %#x: got %q, want mnemonic %s", i, got.Offset, got, w.Op)
		}
		for _, arg := range w.Args {
			if !strings.Contains(got.Args, arg) {
				t.Fatalf("instruction %d at %#x: got %q, want operand text %q", i, got.Offset, got, arg)
			}
		}
	}
}
