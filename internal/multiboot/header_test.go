package multiboot

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

type kernelSpec struct {
	offset   int
	flags    uint32
	header   uint32
	load     uint32
	loadEnd  uint32
	bssEnd   uint32
	entry    uint32
	fileSize int
	badSum   bool
}

func buildKernel(spec kernelSpec) []byte {
	data := make([]byte, spec.fileSize)
	for i := range data {
		data[i] = byte(i)
	}
	le := binary.LittleEndian
	hdr := data[spec.offset:]
	le.PutUint32(hdr[0:], HeaderMagic)
	le.PutUint32(hdr[4:], spec.flags)
	sum := -(uint32(HeaderMagic) + spec.flags)
	if spec.badSum {
		sum++
	}
	le.PutUint32(hdr[8:], sum)
	if spec.flags&FlagAddress != 0 {
		le.PutUint32(hdr[12:], spec.header)
		le.PutUint32(hdr[16:], spec.load)
		le.PutUint32(hdr[20:], spec.loadEnd)
		le.PutUint32(hdr[24:], spec.bssEnd)
		le.PutUint32(hdr[28:], spec.entry)
	}
	return data
}

func aoutKernel() kernelSpec {
	return kernelSpec{
		offset:   0x40,
		flags:    FlagPageAlign | FlagMemoryInfo | FlagAddress,
		header:   0x100040,
		load:     0x100000,
		loadEnd:  0x101800,
		bssEnd:   0x104000,
		entry:    0x100080,
		fileSize: 0x2000,
	}
}

func TestFindHeader(t *testing.T) {
	data := buildKernel(aoutKernel())
	hdr, err := FindHeader(data)
	if err != nil {
		t.Fatalf("FindHeader failed: %v", err)
	}
	if hdr.Offset != 0x40 {
		t.Errorf("Offset = %#x, want 0x40", hdr.Offset)
	}
	if hdr.LoadAddr != 0x100000 || hdr.EntryAddr != 0x100080 {
		t.Errorf("load/entry = %#x/%#x", hdr.LoadAddr, hdr.EntryAddr)
	}
}

func TestFindHeaderMisses(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad checksum", buildKernel(kernelSpec{offset: 0x40, fileSize: 0x100, badSum: true})},
		{"unaligned", buildKernel(kernelSpec{offset: 0x42, fileSize: 0x100})},
		{"past search limit", buildKernel(kernelSpec{offset: HeaderSearchLimit, fileSize: HeaderSearchLimit + 0x100})},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FindHeader(tt.data); !errors.Is(err, ErrNoHeader) {
				t.Fatalf("FindHeader error = %v, want ErrNoHeader", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	data := buildKernel(aoutKernel())
	hdr, err := FindHeader(data)
	if err != nil {
		t.Fatalf("FindHeader failed: %v", err)
	}
	img, err := hdr.Load(data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Start != 0x100000 {
		t.Errorf("Start = %#x, want 0x100000", img.Start)
	}
	if len(img.Data) != 0x1800 {
		t.Errorf("len(Data) = %#x, want 0x1800", len(img.Data))
	}
	if img.Data[0] != data[0] || img.Data[0x17ff] != data[0x17ff] {
		t.Error("Data does not start at file offset 0")
	}
	if img.MemSize != 0x4000 {
		t.Errorf("MemSize = %#x, want 0x4000", img.MemSize)
	}
	if img.Entry != 0x100080 {
		t.Errorf("Entry = %#x, want 0x100080", img.Entry)
	}
}

func TestLoadWholeFile(t *testing.T) {
	spec := aoutKernel()
	spec.loadEnd = 0
	spec.bssEnd = 0
	data := buildKernel(spec)
	hdr, err := FindHeader(data)
	if err != nil {
		t.Fatalf("FindHeader failed: %v", err)
	}
	img, err := hdr.Load(data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(img.Data) != len(data) || img.MemSize != uint32(len(data)) {
		t.Fatalf("len(Data) = %#x, MemSize = %#x; want %#x", len(img.Data), img.MemSize, len(data))
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*kernelSpec)
		want   string
	}{
		{"video mode", func(s *kernelSpec) { s.flags |= FlagVideoMode }, "video"},
		{"unknown requirement", func(s *kernelSpec) { s.flags |= 1 << 5 }, "unsupported"},
		{"elf kernel", func(s *kernelSpec) { s.flags &^= FlagAddress }, "a.out"},
		{"header below load", func(s *kernelSpec) { s.header = 0xff000 }, "below load address"},
		{"load before file", func(s *kernelSpec) { s.load = 0xff000 }, "before the start"},
		{"load end past file", func(s *kernelSpec) { s.loadEnd = 0x103000 }, "past the end"},
		{"bss inside data", func(s *kernelSpec) { s.bssEnd = 0x101000 }, "bss end"},
		{"entry outside", func(s *kernelSpec) { s.entry = 0x200000 }, "entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := aoutKernel()
			tt.modify(&spec)
			data := buildKernel(spec)
			hdr, err := FindHeader(data)
			if err != nil {
				t.Fatalf("FindHeader failed: %v", err)
			}
			_, err = hdr.Load(data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
