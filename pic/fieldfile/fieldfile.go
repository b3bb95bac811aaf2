// Package fieldfile reads external electromagnetic field data from a pmd
// container and exposes it to the engine as lazily sampled values.
//
// A field file holds one mesh per iteration. A file with a single iteration
// is a static snapshot; several iterations make a time-resolved source that
// is linearly interpolated in time. Grid metadata is checked against the
// target geometry once at Open; values are paged in on demand.
package fieldfile

import (
	"fmt"
	"math"
	"slices"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/pmd"
	"github.com/picsim/extinit/pic/units"
)

// FieldLoadError reports a field file that cannot serve the target grid.
type FieldLoadError struct {
	Path   string
	Reason string
}

func (e *FieldLoadError) Error() string {
	return fmt.Sprintf("field file %s: %s", e.Path, e.Reason)
}

type options struct {
	mesh string
	axes []string
}

// Option configures Open.
type Option func(*options)

// WithMesh selects the mesh record to read. Without it the file must hold
// exactly one mesh.
func WithMesh(name string) Option {
	return func(o *options) { o.mesh = name }
}

// WithExpectedAxes overrides the axis labels the target geometry expects.
func WithExpectedAxes(labels ...string) Option {
	return func(o *options) { o.axes = labels }
}

// frame is one iteration's components, aligned with File.components.
type frame struct {
	time  float64
	comps []*pmd.Component
}

// File is an open field source.
type File struct {
	path       string
	pf         *pmd.File
	geom       pic.Geometry
	mesh       string
	axes       []string
	components []string
	shape      []int
	spacing    []float64 // meters
	offset     []float64 // meters
	frames     []frame
	times      []float64
	periodic   bool
	unitDim    units.Dimension
	unitAssume bool
}

// Open reads the header of the field file at path and validates its mesh
// against geom.
func Open(path string, geom pic.Geometry, opts ...Option) (*File, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	pf, err := pmd.Open(path)
	if err != nil {
		return nil, &FieldLoadError{Path: path, Reason: err.Error()}
	}
	f := &File{path: path, pf: pf, geom: geom, periodic: pf.Header().TimePeriodic}
	if err := f.load(o); err != nil {
		_ = pf.Close()
		return nil, &FieldLoadError{Path: path, Reason: err.Error()}
	}
	logrus.Debugf("opened field file %s: mesh %s, components %v, shape %v, %d frame(s)",
		path, f.mesh, f.components, f.shape, len(f.frames))
	return f, nil
}

func (f *File) load(o options) error {
	h := f.pf.Header()
	first := &h.Iterations[0]
	f.mesh = o.mesh
	if f.mesh == "" {
		names := first.MeshNames()
		if len(names) != 1 {
			return fmt.Errorf("file holds meshes %v; select one by name", names)
		}
		f.mesh = names[0]
	}
	m, ok := first.Meshes[f.mesh]
	if !ok {
		return fmt.Errorf("no mesh %q in iteration %d; meshes: %v", f.mesh, first.Index, first.MeshNames())
	}
	if err := f.checkGrid(m, o.axes); err != nil {
		return err
	}
	dim, assumed, err := units.FromSlice(m.UnitDimension, units.Dimensionless)
	if err != nil {
		return fmt.Errorf("mesh %s: %w", f.mesh, err)
	}
	f.unitDim, f.unitAssume = dim, assumed

	for i := range h.Iterations {
		it := &h.Iterations[i]
		mi, ok := it.Meshes[f.mesh]
		if !ok {
			return fmt.Errorf("iteration %d has no mesh %q", it.Index, f.mesh)
		}
		if !slices.Equal(mi.AxisLabels, m.AxisLabels) || !slices.Equal(mi.ComponentNames(), f.components) {
			return fmt.Errorf("iteration %d: mesh %s changes axes or components", it.Index, f.mesh)
		}
		fr := frame{time: it.Time}
		for _, c := range f.components {
			comp := mi.Components[c]
			if err := f.checkExtent(c, comp); err != nil {
				return fmt.Errorf("iteration %d: %w", it.Index, err)
			}
			fr.comps = append(fr.comps, comp)
		}
		f.frames = append(f.frames, fr)
		f.times = append(f.times, it.Time)
	}
	return nil
}

func (f *File) checkGrid(m *pmd.Mesh, expected []string) error {
	if m.Geometry != f.geom.MeshGeometry() {
		return fmt.Errorf("mesh geometry %q does not match %s grids (want %q)", m.Geometry, f.geom, f.geom.MeshGeometry())
	}
	dims := f.geom.Dims()
	if len(m.AxisLabels) != dims {
		return fmt.Errorf("dimension mismatch: file is %dD %v, target %s grid is %dD", len(m.AxisLabels), m.AxisLabels, f.geom, dims)
	}
	if expected == nil {
		expected = f.geom.AxisLabels()
	}
	for _, a := range expected {
		if !slices.Contains(m.AxisLabels, a) {
			return fmt.Errorf("declared axis %q absent; file axes %v", a, m.AxisLabels)
		}
	}
	if !slices.Equal(m.AxisLabels, expected) {
		return fmt.Errorf("axis order %v, want %v", m.AxisLabels, expected)
	}
	if len(m.GridSpacing) != dims || len(m.GridGlobalOffset) != dims {
		return fmt.Errorf("grid_spacing and grid_global_offset need %d entries, got %d and %d",
			dims, len(m.GridSpacing), len(m.GridGlobalOffset))
	}
	scale := m.GridScale()
	for i := 0; i < dims; i++ {
		d, x0 := m.GridSpacing[i], m.GridGlobalOffset[i]
		if !(d > 0) || math.IsInf(d, 0) {
			return fmt.Errorf("grid_spacing[%d] must be positive and finite, got %g", i, d)
		}
		if math.IsNaN(x0) || math.IsInf(x0, 0) {
			return fmt.Errorf("grid_global_offset[%d] must be finite, got %g", i, x0)
		}
		f.spacing = append(f.spacing, d*scale)
		f.offset = append(f.offset, x0*scale)
	}
	f.axes = m.AxisLabels
	f.components = m.ComponentNames()
	if len(f.components) == 0 {
		return fmt.Errorf("mesh %s has no components", f.mesh)
	}
	valid := f.geom.FieldComponents()
	for _, c := range f.components {
		if !slices.Contains(valid, c) {
			return fmt.Errorf("component %q is not a %s field component; valid: %v", c, f.geom, valid)
		}
	}
	return nil
}

func (f *File) checkExtent(name string, c *pmd.Component) error {
	if len(c.Extent) != len(f.axes) {
		return fmt.Errorf("component %s has %d-dimensional extent %v, mesh is %dD", name, len(c.Extent), c.Extent, len(f.axes))
	}
	if f.shape == nil {
		for i, e := range c.Extent {
			if e < 1 {
				return fmt.Errorf("component %s extent[%d] must be positive, got %d", name, i, e)
			}
			f.shape = append(f.shape, int(e))
		}
		return nil
	}
	for i, e := range c.Extent {
		if int(e) != f.shape[i] {
			return fmt.Errorf("component %s extent %v differs from %v", name, c.Extent, f.shape)
		}
	}
	return nil
}

// Path is the file path.
func (f *File) Path() string { return f.path }

// Mesh is the name of the mesh being read.
func (f *File) Mesh() string { return f.mesh }

// Components returns the field components, in the order samples use.
func (f *File) Components() []string { return f.components }

// AxisLabels returns the file's axes in storage order.
func (f *File) AxisLabels() []string { return f.axes }

// Shape is the number of points per axis.
func (f *File) Shape() []int { return f.shape }

// Spacing is the point spacing per axis, in meters.
func (f *File) Spacing() []float64 { return f.spacing }

// Offset is the position of the first point per axis, in meters.
func (f *File) Offset() []float64 { return f.offset }

// TimeResolved reports whether the file holds more than one iteration.
func (f *File) TimeResolved() bool { return len(f.frames) > 1 }

// Times returns the iteration times in seconds.
func (f *File) Times() []float64 { return f.times }

// Periodic reports whether the iterations cover one period of a periodic
// signal.
func (f *File) Periodic() bool { return f.periodic }

// UnitDimension returns the mesh's declared dimension. assumed is true when
// the file carries no unit metadata and the values are taken as SI.
func (f *File) UnitDimension() (dim units.Dimension, assumed bool) {
	return f.unitDim, f.unitAssume
}

// Close releases the file handle.
func (f *File) Close() error { return f.pf.Close() }

func (f *File) flatIndex(idx []int) (int64, error) {
	if len(idx) != len(f.shape) {
		return 0, fmt.Errorf("index %v has %d axes, grid has %d", idx, len(idx), len(f.shape))
	}
	var flat int64
	for i, n := range f.shape {
		if idx[i] < 0 || idx[i] >= n {
			return 0, fmt.Errorf("index %v outside grid shape %v", idx, f.shape)
		}
		flat = flat*int64(n) + int64(idx[i])
	}
	return flat, nil
}

// Sample returns the first iteration's values at a file grid index, one
// per component.
func (f *File) Sample(idx []int) ([]float64, error) {
	flat, err := f.flatIndex(idx)
	if err != nil {
		return nil, err
	}
	return f.valuesAt(flat, 0, 0, 0)
}

// SampleAtTime returns the values at a grid index at time t. Between
// iterations values are interpolated linearly; outside the covered span the
// nearest iteration is used, or t wraps around for periodic files.
func (f *File) SampleAtTime(idx []int, t float64) ([]float64, error) {
	flat, err := f.flatIndex(idx)
	if err != nil {
		return nil, err
	}
	i0, i1, w := f.bracket(t)
	return f.valuesAt(flat, i0, i1, w)
}

// bracket finds the iterations around t and the weight of the later one.
func (f *File) bracket(t float64) (int, int, float64) {
	last := len(f.times) - 1
	if last == 0 {
		return 0, 0, 0
	}
	t0, tn := f.times[0], f.times[last]
	if f.periodic {
		t = t0 + math.Mod(t-t0, tn-t0)
		if t < t0 {
			t += tn - t0
		}
	}
	if t <= t0 {
		return 0, 0, 0
	}
	if t >= tn {
		return last, last, 0
	}
	i := floats.Within(f.times, t)
	return i, i + 1, (t - f.times[i]) / (f.times[i+1] - f.times[i])
}

func (f *File) valuesAt(flat int64, i0, i1 int, w float64) ([]float64, error) {
	out := make([]float64, len(f.components))
	for c := range f.components {
		v, err := f.value(i0, c, flat)
		if err != nil {
			return nil, err
		}
		if w != 0 {
			v1, err := f.value(i1, c, flat)
			if err != nil {
				return nil, err
			}
			v = (1-w)*v + w*v1
		}
		out[c] = v
	}
	return out, nil
}

func (f *File) value(frameIdx, comp int, flat int64) (float64, error) {
	c := f.frames[frameIdx].comps[comp]
	v, err := f.pf.Value(c, flat)
	if err != nil {
		return 0, &FieldLoadError{Path: f.path, Reason: err.Error()}
	}
	return v * c.Scale(), nil
}

// SampleAt interpolates the field multilinearly at a physical position
// given in the file's axis order (meters) and time t. Positions outside
// the file grid read as zero.
func (f *File) SampleAt(pos []float64, t float64) ([]float64, error) {
	if len(pos) != len(f.shape) {
		return nil, fmt.Errorf("position %v has %d coordinates, grid has %d", pos, len(pos), len(f.shape))
	}
	dims := len(f.shape)
	base := make([]int, dims)
	frac := make([]float64, dims)
	for i := 0; i < dims; i++ {
		u := (pos[i] - f.offset[i]) / f.spacing[i]
		top := float64(f.shape[i] - 1)
		const eps = 1e-9
		if u < -eps || u > top+eps {
			return make([]float64, len(f.components)), nil
		}
		u = math.Max(0, math.Min(u, top))
		b := int(math.Floor(u))
		if b == f.shape[i]-1 && b > 0 {
			b--
		}
		base[i] = b
		frac[i] = u - float64(b)
	}
	i0, i1, w := f.bracket(t)
	out := make([]float64, len(f.components))
	corner := make([]int, dims)
	for mask := 0; mask < 1<<dims; mask++ {
		weight := 1.0
		for i := 0; i < dims; i++ {
			if mask&(1<<i) != 0 {
				corner[i] = base[i] + 1
				weight *= frac[i]
			} else {
				corner[i] = base[i]
				weight *= 1 - frac[i]
			}
		}
		if weight == 0 {
			continue
		}
		flat, err := f.flatIndex(corner)
		if err != nil {
			return nil, err
		}
		vals, err := f.valuesAt(flat, i0, i1, w)
		if err != nil {
			return nil, err
		}
		floats.AddScaled(out, weight, vals)
	}
	return out, nil
}
