package pmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/DataDog/zstd"
	"gopkg.in/yaml.v3"
)

// zstdLevel trades ratio for speed the same way snapshot compression does.
const zstdLevel = 1

// Writer assembles a container in memory and writes it in one pass.
type Writer struct {
	header     Header
	iterations []*Iteration
	data       bytes.Buffer
	compress   bool
}

// MeshSpec describes the grid of a mesh record. Extent is the number of
// points per axis, in AxisLabels order.
type MeshSpec struct {
	Geometry      string
	AxisLabels    []string
	Spacing       []float64
	Offset        []float64
	Extent        []int64
	UnitDimension []float64
}

// NewWriter returns a Writer. With compress set, array blocks are stored
// zstd-compressed.
func NewWriter(compress bool) *Writer {
	return &Writer{header: Header{FormatVersion: FormatVersion}, compress: compress}
}

// SetTimePeriodic marks the iterations as one period of a periodic signal.
func (w *Writer) SetTimePeriodic(periodic bool) {
	w.header.TimePeriodic = periodic
}

// Header exposes the top-level header fields, for callers that need to
// write deliberately inconsistent files. Iterations are filled in by
// WriteFile.
func (w *Writer) Header() *Header { return &w.header }

// Iteration appends an iteration and returns it for population. The
// returned pointer stays valid across later calls.
func (w *Writer) Iteration(index int64, time float64) *Iteration {
	it := &Iteration{Index: index, Time: time}
	w.iterations = append(w.iterations, it)
	return it
}

// AddMesh stores a mesh with the given component arrays (row-major over
// the spec's axes) into it.
func (w *Writer) AddMesh(it *Iteration, name string, spec MeshSpec, components map[string][]float64) error {
	want := int64(1)
	for _, e := range spec.Extent {
		want *= e
	}
	m := &Mesh{
		Geometry:         spec.Geometry,
		AxisLabels:       spec.AxisLabels,
		GridSpacing:      spec.Spacing,
		GridGlobalOffset: spec.Offset,
		UnitDimension:    spec.UnitDimension,
		Components:       map[string]*Component{},
	}
	for _, cname := range sortedKeys(components) {
		vals := components[cname]
		if int64(len(vals)) != want {
			return fmt.Errorf("mesh %s.%s has %d values, extent %v needs %d", name, cname, len(vals), spec.Extent, want)
		}
		c, err := w.block(vals, spec.Extent)
		if err != nil {
			return fmt.Errorf("mesh %s.%s: %w", name, cname, err)
		}
		m.Components[cname] = c
	}
	if it.Meshes == nil {
		it.Meshes = map[string]*Mesh{}
	}
	it.Meshes[name] = m
	return nil
}

// AddSpecies adds an empty particle species with n particles to it.
func (w *Writer) AddSpecies(it *Iteration, name string, n int64) *ParticleSpecies {
	sp := &ParticleSpecies{NumParticles: n, Records: map[string]*Record{}}
	if it.Particles == nil {
		it.Particles = map[string]*ParticleSpecies{}
	}
	it.Particles[name] = sp
	return sp
}

// AddRecord stores an array record with one entry per particle in each
// component.
func (w *Writer) AddRecord(sp *ParticleSpecies, name string, unitDimension []float64, components map[string][]float64) error {
	r := &Record{UnitDimension: unitDimension, Components: map[string]*Component{}}
	for _, cname := range sortedKeys(components) {
		vals := components[cname]
		if int64(len(vals)) != sp.NumParticles {
			return fmt.Errorf("record %s.%s has %d values for %d particles", name, cname, len(vals), sp.NumParticles)
		}
		c, err := w.block(vals, []int64{sp.NumParticles})
		if err != nil {
			return fmt.Errorf("record %s.%s: %w", name, cname, err)
		}
		r.Components[cname] = c
	}
	sp.Records[name] = r
	return nil
}

// AddConstantRecord stores a scalar record whose value is shared by every
// particle.
func (w *Writer) AddConstantRecord(sp *ParticleSpecies, name string, unitDimension []float64, value float64) {
	sp.Records[name] = &Record{
		UnitDimension: unitDimension,
		Components: map[string]*Component{
			ScalarComponent: {Constant: true, Value: value, Extent: []int64{sp.NumParticles}},
		},
	}
}

func (w *Writer) block(vals []float64, extent []int64) (*Component, error) {
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.LittleEndian, vals); err != nil {
		return nil, err
	}
	stored := raw.Bytes()
	c := &Component{Offset: int64(w.data.Len()), Extent: append([]int64(nil), extent...), Compression: CompressionNone}
	if w.compress {
		packed, err := zstd.CompressLevel(nil, stored, zstdLevel)
		if err != nil {
			return nil, err
		}
		stored = packed
		c.Compression = CompressionZstd
	}
	c.Size = int64(len(stored))
	w.data.Write(stored)
	return c, nil
}

// WriteFile writes the container to path.
func (w *Writer) WriteFile(path string) error {
	w.header.Iterations = w.header.Iterations[:0]
	for _, it := range w.iterations {
		w.header.Iterations = append(w.header.Iterations, *it)
	}
	hd, err := yaml.Marshal(&w.header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	var out bytes.Buffer
	out.WriteString(Magic)
	if err := binary.Write(&out, binary.LittleEndian, uint64(len(hd))); err != nil {
		return err
	}
	out.Write(hd)
	out.Write(w.data.Bytes())
	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
