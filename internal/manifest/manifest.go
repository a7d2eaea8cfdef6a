// Package manifest loads YAML build descriptions for mbootpack.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mbootpack/internal/pack"
)

const (
	Filename      = "mbootpack.yaml"
	DefaultOutput = "mbootpack.bz"
)

// Address is a physical address or size written in YAML as an integer or a
// C-style literal such as 0x100000.
type Address uint64

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("%#x", uint64(a))}, nil
}

// Manifest describes one image build.
type Manifest struct {
	Version        int    `yaml:"version"`
	MinToolVersion string `yaml:"minToolVersion,omitempty"`

	// Kernel is a Multiboot kernel file. It is mutually exclusive with
	// Segments, which describe the kernel as raw blobs.
	Kernel   string    `yaml:"kernel,omitempty"`
	Segments []Segment `yaml:"segments,omitempty"`
	Entry    *Address  `yaml:"entry,omitempty"`

	Cmdline        string   `yaml:"cmdline,omitempty"`
	BootLoaderName string   `yaml:"bootLoaderName,omitempty"`
	Modules        []Module `yaml:"modules,omitempty"`
	Output         string   `yaml:"output,omitempty"`
}

type Segment struct {
	Name    string  `yaml:"name,omitempty"`
	File    string  `yaml:"file"`
	Address Address `yaml:"address"`
	Size    Address `yaml:"size,omitempty"`
}

type Module struct {
	File    string `yaml:"file"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Output == "" {
		m.Output = DefaultOutput
	}
	for i := range m.Segments {
		if m.Segments[i].Name == "" {
			m.Segments[i].Name = filepath.Base(m.Segments[i].File)
		}
	}
	// By convention the first word of a module command line names it.
	for i := range m.Modules {
		if m.Modules[i].Cmdline == "" {
			m.Modules[i].Cmdline = filepath.Base(m.Modules[i].File)
		}
	}
}

// Check validates the manifest against the running tool version.
func (m *Manifest) Check(toolVersion string) error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.MinToolVersion != "" {
		if !semver.IsValid(m.MinToolVersion) {
			return fmt.Errorf("invalid minToolVersion %q", m.MinToolVersion)
		}
		if semver.IsValid(toolVersion) && semver.Compare(toolVersion, m.MinToolVersion) < 0 {
			return fmt.Errorf("manifest requires mbootpack %s or newer (running %s)", m.MinToolVersion, toolVersion)
		}
	}
	switch {
	case m.Kernel == "" && len(m.Segments) == 0:
		return fmt.Errorf("manifest names neither a kernel nor segments")
	case m.Kernel != "" && len(m.Segments) != 0:
		return fmt.Errorf("kernel and segments are mutually exclusive")
	case len(m.Segments) != 0 && m.Entry == nil:
		return fmt.Errorf("segments need an entry address")
	}
	for i, seg := range m.Segments {
		if seg.File == "" {
			return fmt.Errorf("segment %d: missing file", i)
		}
		if seg.Address > 0xffffffff {
			return fmt.Errorf("segment %s: address %#x outside 32-bit space", seg.Name, uint64(seg.Address))
		}
	}
	for i, mod := range m.Modules {
		if mod.File == "" {
			return fmt.Errorf("module %d: missing file", i)
		}
	}
	return nil
}

// Parse decodes a manifest and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.normalize()
	return &m, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes m as YAML to path.
func Write(path string, m Manifest) error {
	m.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return f.Close()
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Request reads the files the manifest names, relative to baseDir, and
// returns the build request.
func (m *Manifest) Request(baseDir string) (pack.Request, error) {
	if err := m.Check(pack.Version); err != nil {
		return pack.Request{}, err
	}

	req := pack.Request{
		Cmdline:        m.Cmdline,
		BootLoaderName: m.BootLoaderName,
	}

	if m.Kernel != "" {
		data, err := os.ReadFile(resolve(baseDir, m.Kernel))
		if err != nil {
			return pack.Request{}, fmt.Errorf("read kernel: %w", err)
		}
		blob, entry, err := pack.FromKernel(filepath.Base(m.Kernel), data)
		if err != nil {
			return pack.Request{}, err
		}
		req.Segments = append(req.Segments, blob)
		req.Entry = entry
	}

	for _, seg := range m.Segments {
		data, err := os.ReadFile(resolve(baseDir, seg.File))
		if err != nil {
			return pack.Request{}, fmt.Errorf("read segment %s: %w", seg.Name, err)
		}
		req.Segments = append(req.Segments, pack.Blob{
			Name: seg.Name,
			Addr: uint32(seg.Address),
			Data: data,
			Size: uint64(seg.Size),
		})
	}

	if m.Entry != nil {
		req.Entry = uint64(*m.Entry)
	}

	for _, mod := range m.Modules {
		data, err := os.ReadFile(resolve(baseDir, mod.File))
		if err != nil {
			return pack.Request{}, fmt.Errorf("read module: %w", err)
		}
		req.Modules = append(req.Modules, pack.Module{
			Name:    filepath.Base(mod.File),
			Data:    data,
			Cmdline: mod.Cmdline,
		})
	}
	return req, nil
}

// OutputPath returns the output file relative to baseDir.
func (m *Manifest) OutputPath(baseDir string) string {
	return resolve(baseDir, m.Output)
}
