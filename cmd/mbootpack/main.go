package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/mbootpack/internal/bzimage"
	"github.com/tinyrange/mbootpack/internal/manifest"
	"github.com/tinyrange/mbootpack/internal/multiboot"
	"github.com/tinyrange/mbootpack/internal/pack"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mbootpack: %v\n", err)
		os.Exit(1)
	}
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ", ") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseSegment parses name=file@address.
func parseSegment(v string) (manifest.Segment, error) {
	var seg manifest.Segment
	spec := v
	if name, rest, ok := strings.Cut(spec, "="); ok {
		seg.Name = name
		spec = rest
	}
	file, addr, ok := strings.Cut(spec, "@")
	if !ok || file == "" {
		return seg, fmt.Errorf("segment %q: want [name=]file@address", v)
	}
	a, err := parseAddress(addr)
	if err != nil {
		return seg, fmt.Errorf("segment %q: %w", v, err)
	}
	seg.File = file
	seg.Address = a
	return seg, nil
}

func parseAddress(s string) (manifest.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return manifest.Address(v), nil
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("mbootpack", flag.ContinueOnError)
	fs.SetOutput(stderr)

	output := fs.String("o", "bzImage", "Output image")
	cmdline := fs.String("c", "", "Kernel command line")
	manifestPath := fs.String("manifest", "", "Build from a YAML manifest")
	writeManifest := fs.String("write-manifest", "", "Write the build described by the flags as a manifest and exit")
	entry := fs.String("entry", "", "Entry address when packing raw segments")
	setupPath := fs.String("setup", "", "Replace the real-mode setup code with the contents of this file")
	inspect := fs.Bool("inspect", false, "Describe an existing image instead of building one")
	verbose := fs.Bool("v", false, "Enable debug logging")
	quiet := fs.Bool("q", false, "Only log errors")
	version := fs.Bool("version", false, "Print the version and exit")

	var modules, segments stringList
	fs.Var(&modules, "m", "Module file followed by its arguments (repeatable)")
	fs.Var(&segments, "s", "Raw kernel segment as [name=]file@address (repeatable)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: mbootpack [flags] <kernel>\n")
		fmt.Fprintf(stderr, "       mbootpack [flags] -s text=text.bin@0x101000 -entry 0x101000\n")
		fmt.Fprintf(stderr, "       mbootpack -manifest mbootpack.yaml\n")
		fmt.Fprintf(stderr, "       mbootpack -inspect <image>\n\n")
		fmt.Fprintf(stderr, "Package a Multiboot kernel and its modules as a Linux boot protocol image.\n\n")
		fmt.Fprintf(stderr, "Examples:\n")
		fmt.Fprintf(stderr, "  mbootpack -o xen.bz -m \"vmlinuz root=/dev/sda1\" -m initrd.img xen.gz\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if *version {
		fmt.Fprintf(stdout, "mbootpack %s\n", pack.Version)
		return nil
	}

	level := slog.LevelInfo
	switch {
	case *verbose:
		level = slog.LevelDebug
	case *quiet:
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if *inspect {
		if fs.NArg() != 1 {
			fs.Usage()
			return fmt.Errorf("-inspect needs exactly one image")
		}
		return inspectImage(stdout, fs.Arg(0))
	}

	var (
		m       *manifest.Manifest
		baseDir string
	)
	if *manifestPath != "" {
		if fs.NArg() != 0 || len(segments) != 0 {
			return fmt.Errorf("-manifest cannot be combined with a kernel or segments")
		}
		loaded, err := manifest.Load(*manifestPath)
		if err != nil {
			return err
		}
		m = loaded
		baseDir = filepath.Dir(*manifestPath)
	} else {
		m = &manifest.Manifest{Version: 1, Cmdline: *cmdline, Output: *output}
		switch {
		case fs.NArg() == 1 && len(segments) == 0:
			m.Kernel = fs.Arg(0)
		case fs.NArg() == 0 && len(segments) != 0:
			for _, v := range segments {
				seg, err := parseSegment(v)
				if err != nil {
					return err
				}
				if seg.Name == "" {
					seg.Name = filepath.Base(seg.File)
				}
				m.Segments = append(m.Segments, seg)
			}
		default:
			fs.Usage()
			return fmt.Errorf("need one kernel file or at least one -s segment")
		}
		if *entry != "" {
			a, err := parseAddress(*entry)
			if err != nil {
				return err
			}
			m.Entry = &a
		}
		for _, v := range modules {
			file, _, _ := strings.Cut(v, " ")
			m.Modules = append(m.Modules, manifest.Module{File: file, Cmdline: v})
		}
	}

	if *writeManifest != "" {
		if err := manifest.Write(*writeManifest, *m); err != nil {
			return err
		}
		logger.Info("wrote manifest", "path", *writeManifest)
		return nil
	}

	req, err := m.Request(baseDir)
	if err != nil {
		return err
	}
	if *setupPath != "" {
		code, err := os.ReadFile(*setupPath)
		if err != nil {
			return fmt.Errorf("read setup code: %w", err)
		}
		req.SetupCode = code
	}

	out := *output
	if *manifestPath != "" {
		out = m.OutputPath(baseDir)
	}

	progress := !*quiet
	if f, ok := stderr.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		progress = false
	}

	res, err := pack.WriteFile(out, req, pack.Options{Logger: logger, Progress: progress})
	if err != nil {
		return err
	}
	logger.Debug("layout",
		"load", fmt.Sprintf("0x%08x", res.LoadAddress),
		"entry", fmt.Sprintf("0x%08x", res.Entry),
		"mbi", fmt.Sprintf("0x%08x", res.MBI),
		"segments", len(res.Segments))
	return nil
}

func inspectImage(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	f, err := bzimage.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	hdr := f.Header
	fmt.Fprintf(w, "protocol:      %d.%02d\n", hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xff)
	fmt.Fprintf(w, "version:       %s\n", f.KernelVersion())
	fmt.Fprintf(w, "setup sectors: %d\n", hdr.SetupSectors)
	fmt.Fprintf(w, "load address:  %#x\n", f.LoadAddress())
	fmt.Fprintf(w, "payload:       %d bytes\n", len(f.Payload()))
	fmt.Fprintf(w, "cmdline size:  %#x\n", hdr.CmdlineSize)

	mbi, entry, err := f.Trampoline()
	if err != nil {
		fmt.Fprintf(w, "trampoline:    not found (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "entry:         %#x\n", entry)
	fmt.Fprintf(w, "mbi:           %#x\n", mbi)

	// The block runs from mbi to wherever its strings end; hand Decode the
	// rest of the payload.
	if mbi < f.LoadAddress() || int(mbi-f.LoadAddress()) >= len(f.Payload()) {
		fmt.Fprintf(w, "mbi decode:    address outside the payload\n")
		return nil
	}
	block := f.Payload()[mbi-f.LoadAddress():]
	info, err := multiboot.Decode(block, mbi)
	if err != nil {
		fmt.Fprintf(w, "mbi decode:    %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "cmdline:       %q\n", info.Cmdline)
	fmt.Fprintf(w, "boot loader:   %s\n", info.BootLoaderName)
	for i, mod := range info.Modules {
		fmt.Fprintf(w, "module %d:      [%#x, %#x) %q\n", i, mod.Start, mod.End, mod.Cmdline)
	}
	return nil
}
