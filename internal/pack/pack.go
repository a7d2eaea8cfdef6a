// Package pack turns a Multiboot kernel and its modules into a single image
// that Linux boot loaders can start.
package pack

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/mbootpack/internal/bzimage"
	"github.com/tinyrange/mbootpack/internal/layout"
	"github.com/tinyrange/mbootpack/internal/multiboot"
)

const Version = "v0.6.0"

// BootLoaderName is reported to the kernel when the request leaves it empty.
var BootLoaderName = "mbootpack " + Version

// Blob is a piece of the kernel destined for a fixed physical address.
type Blob struct {
	Name string
	Addr uint32
	Data []byte

	// Size is the size in memory. Zero means len(Data); anything larger is
	// zero-filled.
	Size uint64
}

// Module is loaded wherever it fits and described to the kernel in the
// information block.
type Module struct {
	Name    string
	Data    []byte
	Cmdline string
}

type Request struct {
	Segments       []Blob
	Entry          uint64
	Cmdline        string
	Modules        []Module
	BootLoaderName string

	// SetupCode replaces the built-in real-mode setup code.
	SetupCode []byte
}

type Options struct {
	Logger *slog.Logger

	// Progress shows a progress bar on stderr while the image is written.
	Progress bool
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Result describes a built image.
type Result struct {
	LoadAddress uint32
	Entry       uint32
	MBI         uint32
	MBISize     int
	Modules     []multiboot.Module
	Segments    []layout.Segment
	Size        int
}

// FromKernel reads the Multiboot header of a kernel file and returns its
// loadable segment and entry point.
func FromKernel(name string, data []byte) (Blob, uint64, error) {
	hdr, err := multiboot.FindHeader(data)
	if err != nil {
		return Blob{}, 0, fmt.Errorf("%s: %w", name, err)
	}
	img, err := hdr.Load(data)
	if err != nil {
		return Blob{}, 0, fmt.Errorf("%s: %w", name, err)
	}
	return Blob{
		Name: name,
		Addr: img.Start,
		Data: img.Data,
		Size: uint64(img.MemSize),
	}, uint64(img.Entry), nil
}

func addBlob(l *layout.Layout, blob Blob) error {
	size := blob.Size
	if size == 0 {
		size = uint64(len(blob.Data))
	}
	if size < uint64(len(blob.Data)) {
		return fmt.Errorf("segment %s: size %#x smaller than its %d bytes of data", blob.Name, size, len(blob.Data))
	}
	if size > math.MaxInt32 {
		return &layout.LayoutError{Segment: blob.Name, Start: uint64(blob.Addr), End: uint64(blob.Addr) + size, Reason: "segment larger than 2 GiB"}
	}
	_, err := l.Add(layout.Segment{
		Name:  blob.Name,
		Start: blob.Addr,
		Size:  int32(size),
		Data:  blob.Data,
	})
	return err
}

// Image runs the whole build in memory: lay out the segments, reserve the
// trampoline, place modules and the information block, then serialize.
func Image(req Request, opts Options) ([]byte, *Result, error) {
	log := opts.logger()

	if len(req.Segments) == 0 {
		return nil, nil, fmt.Errorf("no kernel segments")
	}

	l := layout.New()
	for _, blob := range req.Segments {
		if err := addBlob(l, blob); err != nil {
			return nil, nil, err
		}
	}
	if _, err := bzimage.Reserve(l); err != nil {
		return nil, nil, err
	}
	if err := l.Finalize(); err != nil {
		return nil, nil, err
	}

	if req.Entry > math.MaxUint32 || !l.Intersects(uint32(req.Entry), 1) {
		log.Warn("entry point is not inside any segment", "entry", fmt.Sprintf("%#x", req.Entry))
	}

	info := &multiboot.Info{
		Cmdline:        req.Cmdline,
		BootLoaderName: req.BootLoaderName,
	}
	if info.BootLoaderName == "" {
		info.BootLoaderName = BootLoaderName
	}

	for idx, mod := range req.Modules {
		size := uint64(len(mod.Data))
		addr, err := l.Place(max(size, 1))
		if err != nil {
			return nil, nil, fmt.Errorf("module %d (%s): %w", idx, mod.Name, err)
		}
		if err := addBlob(l, Blob{Name: "module " + mod.Name, Addr: addr, Data: mod.Data}); err != nil {
			return nil, nil, err
		}
		info.Modules = append(info.Modules, multiboot.Module{
			Start:   addr,
			End:     addr + uint32(size),
			Cmdline: mod.Cmdline,
		})
		log.Debug("placed module", "name", mod.Name, "addr", fmt.Sprintf("0x%08x", addr), "size", size)
	}

	mbiSize := info.Size()
	mbi, err := l.Place(uint64(mbiSize))
	if err != nil {
		return nil, nil, err
	}
	block, err := info.Encode(mbi)
	if err != nil {
		return nil, nil, err
	}
	if _, err := l.Add(layout.Segment{Name: "mbi", Start: mbi, Size: int32(mbiSize), Data: block}); err != nil {
		return nil, nil, err
	}
	log.Debug("placed information block", "addr", fmt.Sprintf("0x%08x", mbi), "size", mbiSize)

	img, err := bzimage.Image(l, req.Entry, uint64(mbi), bzimage.Options{
		SetupCode:     req.SetupCode,
		KernelVersion: "mbootpack " + Version,
		Logger:        log,
	})
	if err != nil {
		return nil, nil, err
	}

	load, _ := bzimage.LoadAddress(l)
	return img, &Result{
		LoadAddress: load,
		Entry:       uint32(req.Entry),
		MBI:         mbi,
		MBISize:     mbiSize,
		Modules:     info.Modules,
		Segments:    l.Segments(),
		Size:        len(img),
	}, nil
}

// Build writes the image to w in one call. Nothing is written on error.
func Build(req Request, w io.Writer, opts Options) (*Result, error) {
	img, res, err := Image(req, opts)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(img); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	return res, nil
}

// WriteFile builds the image into a temporary file next to path and renames
// it into place. path is left untouched on error.
func WriteFile(path string, req Request, opts Options) (*Result, error) {
	img, res, err := Image(req, opts)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".mbootpack_*")
	if err != nil {
		return nil, fmt.Errorf("create temp output file: %w", err)
	}

	var writer io.Writer = tmpFile
	if opts.Progress {
		bar := progressbar.DefaultBytes(int64(len(img)), fmt.Sprintf("write %s", filepath.Base(path)))
		defer bar.Close()
		writer = io.MultiWriter(tmpFile, bar)
	}

	if _, err := io.Copy(writer, bytes.NewReader(img)); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("write output file: %w", err)
	}

	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("chmod output file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("close output file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("finalize output file: %w", err)
	}

	opts.logger().Info("wrote image", "path", path, "size", len(img))
	return res, nil
}
