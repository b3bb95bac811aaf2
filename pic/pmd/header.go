// Package pmd implements the structured data container that external field
// and particle files are stored in.
//
// A file is an 8-byte magic, a little-endian uint64 header length, a YAML
// header describing iterations, meshes and particle records, and a data
// section holding one block per array component. Header metadata is parsed
// once at Open; component values are read lazily, either in pages through a
// bounded cache or, for zstd-compressed blocks, decompressed once on first
// use.
package pmd

import (
	"fmt"
	"math"
	"sort"
)

// Magic identifies a container file.
const Magic = "PICPMD01"

// FormatVersion is the only header version this package reads and writes.
const FormatVersion = 1

// Compression values for Component.Compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Geometry values for Mesh.Geometry.
const (
	GeometryCartesian = "cartesian"
	GeometryThetaMode = "thetaMode"
)

// ScalarComponent is the component key of scalar records (weighting, mass,
// charge).
const ScalarComponent = "scalar"

// Header is the YAML metadata of a container file.
type Header struct {
	FormatVersion int         `yaml:"format_version"`
	TimePeriodic  bool        `yaml:"time_periodic,omitempty"`
	Iterations    []Iteration `yaml:"iterations"`
}

// Iteration is one output step: a time and the meshes and particle species
// recorded at that time.
type Iteration struct {
	Index     int64                       `yaml:"index"`
	Time      float64                     `yaml:"time"`
	Meshes    map[string]*Mesh            `yaml:"meshes,omitempty"`
	Particles map[string]*ParticleSpecies `yaml:"particles,omitempty"`
}

// Mesh is a field record on a rectilinear or cylindrical grid.
type Mesh struct {
	Geometry         string                `yaml:"geometry"`
	AxisLabels       []string              `yaml:"axis_labels"`
	GridSpacing      []float64             `yaml:"grid_spacing"`
	GridGlobalOffset []float64             `yaml:"grid_global_offset"`
	GridUnitSI       float64               `yaml:"grid_unit_si,omitempty"`
	UnitDimension    []float64             `yaml:"unit_dimension,omitempty"`
	Components       map[string]*Component `yaml:"components"`
}

// ParticleSpecies groups the records of one particle species.
type ParticleSpecies struct {
	NumParticles int64              `yaml:"num_particles"`
	Records      map[string]*Record `yaml:"records"`
}

// Record is a physical quantity with one or more components.
type Record struct {
	UnitDimension []float64             `yaml:"unit_dimension,omitempty"`
	Components    map[string]*Component `yaml:"components"`
}

// Component is either a constant or an array stored in the data section.
// Offset is relative to the start of the data section; Size is the number
// of stored bytes (compressed size for zstd blocks).
type Component struct {
	Constant    bool    `yaml:"constant,omitempty"`
	Value       float64 `yaml:"value,omitempty"`
	Offset      int64   `yaml:"offset,omitempty"`
	Size        int64   `yaml:"size,omitempty"`
	Extent      []int64 `yaml:"extent"`
	Compression string  `yaml:"compression,omitempty"`
	UnitSI      float64 `yaml:"unit_si,omitempty"`
}

// Len is the number of values the component holds.
func (c *Component) Len() int64 {
	n := int64(1)
	for _, e := range c.Extent {
		n *= e
	}
	return n
}

// Scale returns the factor converting stored values to SI. A zero UnitSI
// means the values are already SI.
func (c *Component) Scale() float64 {
	if c.UnitSI == 0 {
		return 1
	}
	return c.UnitSI
}

// Compressed reports whether the block is zstd-compressed.
func (c *Component) Compressed() bool {
	return c.Compression == CompressionZstd
}

// GridScale returns the factor converting grid spacing and offset to meters.
func (m *Mesh) GridScale() float64 {
	if m.GridUnitSI == 0 {
		return 1
	}
	return m.GridUnitSI
}

// ComponentNames returns the mesh component names in sorted order.
func (m *Mesh) ComponentNames() []string {
	return sortedKeys(m.Components)
}

// MeshNames returns the iteration's mesh names in sorted order.
func (it *Iteration) MeshNames() []string {
	return sortedKeys(it.Meshes)
}

// SpeciesNames returns the iteration's particle species in sorted order.
func (it *Iteration) SpeciesNames() []string {
	return sortedKeys(it.Particles)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validate checks the structural consistency of the header against the
// length of the data section.
func (h *Header) validate(dataLen int64) error {
	if h.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format_version %d, want %d", h.FormatVersion, FormatVersion)
	}
	if len(h.Iterations) == 0 {
		return fmt.Errorf("header has no iterations")
	}
	for i := range h.Iterations {
		it := &h.Iterations[i]
		if math.IsNaN(it.Time) || math.IsInf(it.Time, 0) {
			return fmt.Errorf("iteration %d: time must be finite, got %f", it.Index, it.Time)
		}
		if i > 0 && it.Time <= h.Iterations[i-1].Time {
			return fmt.Errorf("iteration %d: times must be strictly increasing (%g after %g)",
				it.Index, it.Time, h.Iterations[i-1].Time)
		}
		for name, m := range it.Meshes {
			if m == nil {
				return fmt.Errorf("iteration %d: mesh %q is empty", it.Index, name)
			}
			for cname, c := range m.Components {
				if err := c.validate(dataLen); err != nil {
					return fmt.Errorf("iteration %d: mesh %s.%s: %w", it.Index, name, cname, err)
				}
			}
		}
		for name, sp := range it.Particles {
			if sp == nil {
				return fmt.Errorf("iteration %d: species %q is empty", it.Index, name)
			}
			if sp.NumParticles < 0 {
				return fmt.Errorf("iteration %d: species %s: num_particles must be non-negative, got %d",
					it.Index, name, sp.NumParticles)
			}
			for rname, r := range sp.Records {
				if r == nil {
					return fmt.Errorf("iteration %d: species %s: record %q is empty", it.Index, name, rname)
				}
				for cname, c := range r.Components {
					if err := c.validate(dataLen); err != nil {
						return fmt.Errorf("iteration %d: species %s: %s.%s: %w", it.Index, name, rname, cname, err)
					}
				}
			}
		}
	}
	return nil
}

func (c *Component) validate(dataLen int64) error {
	if c == nil {
		return fmt.Errorf("component is empty")
	}
	for i, e := range c.Extent {
		if e < 0 {
			return fmt.Errorf("extent[%d] must be non-negative, got %d", i, e)
		}
	}
	if c.UnitSI < 0 || math.IsNaN(c.UnitSI) || math.IsInf(c.UnitSI, 0) {
		return fmt.Errorf("unit_si must be finite and non-negative, got %f", c.UnitSI)
	}
	if c.Constant {
		return nil
	}
	switch c.Compression {
	case "", CompressionNone:
		if want := 8 * c.Len(); c.Size != want {
			return fmt.Errorf("block size %d does not match extent %v (%d bytes)", c.Size, c.Extent, want)
		}
	case CompressionZstd:
		if c.Size <= 0 {
			return fmt.Errorf("compressed block size must be positive, got %d", c.Size)
		}
	default:
		return fmt.Errorf("unknown compression %q; valid: none, zstd", c.Compression)
	}
	if c.Offset < 0 || c.Offset+c.Size > dataLen {
		return fmt.Errorf("block [%d, %d) lies outside the %d-byte data section", c.Offset, c.Offset+c.Size, dataLen)
	}
	return nil
}
