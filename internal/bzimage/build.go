// Package bzimage serializes a memory layout into an image that speaks the
// Linux/x86 boot protocol. A boot loader loads the payload at the load point,
// runs the real-mode setup code, and the setup code enters the trampoline.
package bzimage

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tinyrange/mbootpack/internal/layout"
	"github.com/tinyrange/mbootpack/internal/trampoline"
)

const (
	// HighLoadAddress is where loaders put a LOADED_HIGH payload.
	HighLoadAddress = layout.HighMemStart

	// ZImageLoadAddress is where loaders put a low (zImage) payload, which
	// must end by ZImageLimit where the real-mode code lives.
	ZImageLoadAddress = 0x10000
	ZImageLimit       = 0x90000

	SetupSize   = layout.SetupSectors * sectorSize
	PayloadBase = sectorSize + SetupSize

	// MaxSetupCode is the room left for setup code after the header.
	MaxSetupCode = PayloadBase - headerEnd

	DefaultKernelVersion = "mbootpack"
)

type Options struct {
	// SetupCode replaces the built-in real-mode setup code. It is placed
	// directly after the setup header and entered in real mode at segment
	// offset 0x3c.
	SetupCode []byte

	// KernelVersion is the string boot loaders report for the image.
	KernelVersion string

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// BuildError reports an image that cannot be represented. No output is
// produced when it is returned.
type BuildError struct {
	Field  string
	Value  uint64
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build image: %s %#x: %s", e.Field, e.Value, e.Reason)
}

// LoadAddress returns the address the payload is loaded at: HighLoadAddress
// when every segment is in high memory, ZImageLoadAddress when every segment
// fits in [ZImageLoadAddress, ZImageLimit).
func LoadAddress(l *layout.Layout) (uint32, error) {
	start, end, ok := l.Span()
	if !ok {
		return 0, &layout.LayoutError{Reason: "layout has no segments"}
	}
	switch {
	case uint64(start) >= HighLoadAddress:
		return HighLoadAddress, nil
	case start >= ZImageLoadAddress && end <= ZImageLimit:
		return ZImageLoadAddress, nil
	}
	return 0, &layout.LayoutError{
		Start:  uint64(start),
		End:    end,
		Reason: fmt.Sprintf("segments must lie entirely above %#x or within [%#x, %#x)", HighLoadAddress, ZImageLoadAddress, ZImageLimit),
	}
}

// Reserve adds a placeholder for the trampoline at the load point so that
// later placement does not use the range.
func Reserve(l *layout.Layout) (layout.SegmentID, error) {
	load, err := LoadAddress(l)
	if err != nil {
		return 0, err
	}
	return l.Add(layout.Segment{
		Name:  "trampoline",
		Start: load,
		Size:  int32(trampoline.Size()),
		Flags: layout.FlagReserved,
	})
}

// sysSize converts a payload length into the 16-byte paragraphs of the
// syssize field.
func sysSize(n uint64) (uint32, error) {
	paragraphs := (n + 15) / 16
	if paragraphs > math.MaxUint32 {
		return 0, &BuildError{Field: "payload length", Value: n, Reason: "overflows the 32-bit syssize field"}
	}
	return uint32(paragraphs), nil
}

func checkAddress(field string, addr uint64) (uint32, error) {
	if addr > math.MaxUint32 {
		return 0, &BuildError{Field: field, Value: addr, Reason: "outside 32-bit address space"}
	}
	return uint32(addr), nil
}

// Image builds the image for layout l entering the kernel at entry with the
// information block at mbi.
func Image(l *layout.Layout, entry, mbi uint64, opts Options) ([]byte, error) {
	entry32, err := checkAddress("entry address", entry)
	if err != nil {
		return nil, err
	}
	mbi32, err := checkAddress("information block address", mbi)
	if err != nil {
		return nil, err
	}
	return Assemble(l, trampoline.Patch(mbi32, entry32), opts)
}

// Build writes the image to w in a single call. Nothing is written on error.
func Build(w io.Writer, l *layout.Layout, entry, mbi uint64, opts Options) error {
	img, err := Image(l, entry, mbi, opts)
	if err != nil {
		return err
	}
	if _, err := w.Write(img); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// Assemble builds the image around an already patched stub.
func Assemble(l *layout.Layout, stub trampoline.Stub, opts Options) ([]byte, error) {
	log := opts.logger()

	if !stub.Sealed() {
		return nil, &BuildError{Field: "trampoline", Reason: "stub has not been patched"}
	}
	load, err := LoadAddress(l)
	if err != nil {
		return nil, err
	}
	if err := l.Finalize(); err != nil {
		return nil, err
	}

	stubEnd := uint64(load) + uint64(stub.Len())
	end := stubEnd
	segs := l.Segments()
	for _, seg := range segs {
		if seg.Flags&layout.FlagReserved == 0 && uint64(seg.Start) < stubEnd {
			return nil, &layout.LayoutError{
				Segment: seg.Name,
				Start:   uint64(seg.Start),
				End:     seg.End(),
				Reason:  fmt.Sprintf("segment overlaps the trampoline at [%#x, %#x)", load, stubEnd),
			}
		}
		end = max(end, seg.End())
	}
	if load == ZImageLoadAddress && end > ZImageLimit {
		return nil, &layout.LayoutError{
			Start:  uint64(load),
			End:    end,
			Reason: fmt.Sprintf("low payload ends past %#x", ZImageLimit),
		}
	}

	payloadLen := end - uint64(load)
	paragraphs, err := sysSize(payloadLen)
	if err != nil {
		return nil, err
	}

	setup, kernelVersion, err := setupBytes(opts)
	if err != nil {
		return nil, err
	}

	hdr := SetupHeader{
		SetupSectors:    layout.SetupSectors,
		SysSize:         paragraphs,
		VidMode:         normalVGA,
		BootFlag:        bootFlag,
		HeaderLength:    headerEnd - headerMagicOffset,
		ProtocolVersion: ProtocolVersion,
		StartSysSeg:     defaultSysSeg,
		KernelVersion:   kernelVersion,
		SetupMoveSize:   setupMoveSize,
		Code32Start:     load,
		InitrdAddrMax:   initrdAddrMax,
		CmdlineSize:     maxCmdlineSize,
	}
	if load == HighLoadAddress {
		hdr.LoadFlags |= LoadedHigh
	}

	var buf bytes.Buffer
	buf.Grow(PayloadBase + int(payloadLen))

	head := make([]byte, PayloadBase)
	copy(head, bootSector.Bytes())
	hdr.put(head)
	copy(head[headerEnd:], setup)
	buf.Write(head)

	buf.Write(stub.Bytes())
	cursor := stubEnd
	for _, seg := range segs {
		if seg.Flags&layout.FlagReserved != 0 || seg.Size == 0 {
			continue
		}
		if gap := uint64(seg.Start) - cursor; gap > 0 {
			buf.Write(make([]byte, gap))
		}
		buf.Write(seg.Data)
		if bss := uint64(seg.Size) - uint64(len(seg.Data)); bss > 0 {
			buf.Write(make([]byte, bss))
		}
		cursor = seg.End()
		log.Debug("segment", "name", seg.Name,
			"start", fmt.Sprintf("0x%08x", seg.Start),
			"size", fmt.Sprintf("0x%x", seg.Size),
			"data", len(seg.Data))
	}
	if tail := end - cursor; tail > 0 {
		buf.Write(make([]byte, tail))
	}

	mbi, entry := stub.Fields()
	log.Info("built image",
		"load", fmt.Sprintf("0x%08x", load),
		"entry", fmt.Sprintf("0x%08x", entry),
		"mbi", fmt.Sprintf("0x%08x", mbi),
		"payload", payloadLen,
		"size", buf.Len())
	return buf.Bytes(), nil
}

func setupBytes(opts Options) ([]byte, uint16, error) {
	if opts.SetupCode != nil {
		if len(opts.SetupCode) > MaxSetupCode {
			return nil, 0, &BuildError{
				Field:  "setup code length",
				Value:  uint64(len(opts.SetupCode)),
				Reason: fmt.Sprintf("setup region holds %d sectors; at most %d bytes of code fit after the header", layout.SetupSectors, MaxSetupCode),
			}
		}
		return opts.SetupCode, 0, nil
	}

	version := opts.KernelVersion
	if version == "" {
		version = DefaultKernelVersion
	}
	prog, kernelVersion, err := assembleSetup(version)
	if err != nil {
		return nil, 0, fmt.Errorf("assemble setup code: %w", err)
	}
	if prog.Len() > MaxSetupCode {
		return nil, 0, &BuildError{Field: "setup code length", Value: uint64(prog.Len()), Reason: "kernel version string too long"}
	}
	return prog.Bytes(), kernelVersion, nil
}
