package probe

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
)

// ErrShape reports a map or program that exists under the expected name but
// has the wrong type or layout.
var ErrShape = errors.New("unexpected shape")

// ErrMissing reports a program or map the image does not export.
var ErrMissing = errors.New("missing from image")

type mapShape struct {
	typ       ebpf.MapType
	keySize   uint32
	valueSize uint32
}

var requiredMaps = map[string]mapShape{
	MapEvents:   {typ: ebpf.PerfEventArray, keySize: 4, valueSize: 4},
	MapCounters: {typ: ebpf.Hash, keySize: 4, valueSize: 4},
	MapDropped:  {typ: ebpf.PerCPUArray, keySize: 4, valueSize: 8},
}

var requiredPrograms = map[string]ebpf.ProgramType{
	ProgramConnect: ebpf.Kprobe,
	ProgramClone:   ebpf.Kprobe,
	ProgramXDP:     ebpf.XDP,
}

// LoadImage parses an externally built ELF image.
func LoadImage(r io.ReaderAt) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse image: %w", err)
	}
	return spec, nil
}

// ValidatePrograms checks the image exports every handler with the right
// program type.
func ValidatePrograms(spec *ebpf.CollectionSpec) error {
	for name, typ := range requiredPrograms {
		p, ok := spec.Programs[name]
		if !ok {
			return fmt.Errorf("program %s: %w", name, ErrMissing)
		}
		if p.Type != typ {
			return fmt.Errorf("program %s: %w: type %s, want %s", name, ErrShape, p.Type, typ)
		}
	}
	return nil
}

// ValidateMap checks a single map spec against the shape its name requires.
func ValidateMap(name string, m *ebpf.MapSpec) error {
	want, ok := requiredMaps[name]
	if !ok {
		return nil
	}
	if m == nil {
		return fmt.Errorf("map %s: %w", name, ErrMissing)
	}
	if m.Type != want.typ {
		return fmt.Errorf("map %s: %w: type %s, want %s", name, ErrShape, m.Type, want.typ)
	}
	// Key and value sizes of perf event arrays are fixed up by the loader.
	if m.Type == ebpf.PerfEventArray && m.KeySize == 0 && m.ValueSize == 0 {
		return nil
	}
	if m.KeySize != want.keySize || m.ValueSize != want.valueSize {
		return fmt.Errorf("map %s: %w: key/value %d/%d, want %d/%d",
			name, ErrShape, m.KeySize, m.ValueSize, want.keySize, want.valueSize)
	}
	return nil
}

// ValidateMaps checks every required map is present with its shape.
func ValidateMaps(spec *ebpf.CollectionSpec) error {
	for name := range requiredMaps {
		if err := ValidateMap(name, spec.Maps[name]); err != nil {
			return err
		}
	}
	return nil
}
