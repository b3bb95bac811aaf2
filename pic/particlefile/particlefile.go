// Package particlefile reads macroparticle phase space from a pmd container.
//
// Open validates that the species carries position and momentum records
// for the target geometry and checks their unit dimensions; Records then
// yields one Record per particle in file order, reading the value arrays in
// pages. Cursors are independent, so iterating twice re-reads the file from
// the start.
package particlefile

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/pmd"
	"github.com/picsim/extinit/pic/units"
)

// Record names inside a particle species.
const (
	RecordPosition  = "position"
	RecordMomentum  = "momentum"
	RecordWeighting = "weighting"
	RecordMass      = "mass"
	RecordCharge    = "charge"
)

// ParticleLoadError reports a particle file that cannot be used.
type ParticleLoadError struct {
	Path   string
	Reason string
}

func (e *ParticleLoadError) Error() string {
	return fmt.Sprintf("particle file %s: %s", e.Path, e.Reason)
}

type options struct {
	species     string
	defaultName string
	totalCharge float64
}

// Option configures Open.
type Option func(*options)

// WithSpecies selects the species to read. It must exist in the file.
func WithSpecies(name string) Option {
	return func(o *options) { o.species = name }
}

// WithDefaultSpecies names the species to read when the file holds more
// than one and WithSpecies is not given.
func WithDefaultSpecies(name string) Option {
	return func(o *options) { o.defaultName = name }
}

// WithTotalCharge accepts a target total charge. Rescaling is not
// supported for file sources, so a nonzero value is logged and ignored.
func WithTotalCharge(q float64) Option {
	return func(o *options) { o.totalCharge = q }
}

// Record is one macroparticle in SI units. Momentum is in the file's
// declared dimension (see File.MomentumUnitDimension). Mass and Charge are
// nil when the file has no such record.
type Record struct {
	Position r3.Vec
	Momentum r3.Vec
	Weight   float64
	Mass     *float64
	Charge   *float64
}

// column indices into File.columns.
const (
	colPosX = iota
	colPosY
	colPosZ
	colMomX
	colMomY
	colMomZ
	colWeight
	colMass
	colCharge
	numColumns
)

var axisOffset = map[string]int{"x": 0, "y": 1, "z": 2}

// File is an open particle source for one species.
type File struct {
	path    string
	pf      *pmd.File
	geom    pic.Geometry
	species string
	count   int64
	time    float64

	// columns holds the component of each column; nil means absent.
	columns [numColumns]*pmd.Component

	posDim, momDim         units.Dimension
	posAssumed, momAssumed bool
}

// Open reads the header of the particle file at path and validates the
// selected species for geom.
func Open(path string, geom pic.Geometry, opts ...Option) (*File, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.totalCharge != 0 {
		logrus.Warnf("particle file %s: q_tot=%g is not supported for external file sources; ignored, no rescaling is done",
			path, o.totalCharge)
	}
	pf, err := pmd.Open(path)
	if err != nil {
		return nil, &ParticleLoadError{Path: path, Reason: err.Error()}
	}
	f := &File{path: path, pf: pf, geom: geom}
	if err := f.load(o); err != nil {
		_ = pf.Close()
		return nil, &ParticleLoadError{Path: path, Reason: err.Error()}
	}
	logrus.Debugf("opened particle file %s: species %s, %d particle(s) at t=%g", path, f.species, f.count, f.time)
	return f, nil
}

func (f *File) load(o options) error {
	it, sp, err := f.selectSpecies(o)
	if err != nil {
		return err
	}
	f.time = it.Time
	f.count = sp.NumParticles

	comps := f.geom.ParticleComponents()
	pos, ok := sp.Records[RecordPosition]
	if !ok {
		return fmt.Errorf("species %s has no %s record", f.species, RecordPosition)
	}
	mom, ok := sp.Records[RecordMomentum]
	if !ok {
		return fmt.Errorf("species %s has no %s record", f.species, RecordMomentum)
	}
	if err := f.vectorColumns(RecordPosition, pos, comps, colPosX); err != nil {
		return err
	}
	if err := f.vectorColumns(RecordMomentum, mom, comps, colMomX); err != nil {
		return err
	}
	// 2D runs still carry uy; read it when the file has it.
	if py, ok := mom.Components["y"]; ok && f.columns[colMomY] == nil {
		if err := f.checkLength(RecordMomentum+".y", py); err != nil {
			return err
		}
		f.columns[colMomY] = py
	}
	if f.posDim, f.posAssumed, err = units.FromSlice(pos.UnitDimension, units.Length); err != nil {
		return fmt.Errorf("%s: %w", RecordPosition, err)
	}
	if !f.posDim.Equal(units.Length) {
		return fmt.Errorf("%s has dimension %s, want length (%s)", RecordPosition, f.posDim, units.Length)
	}
	if f.momDim, f.momAssumed, err = units.FromSlice(mom.UnitDimension, units.Momentum); err != nil {
		return fmt.Errorf("%s: %w", RecordMomentum, err)
	}
	if !f.momDim.Equal(units.Momentum) && !f.momDim.IsDimensionless() {
		return fmt.Errorf("%s has dimension %s, want momentum (%s) or dimensionless", RecordMomentum, f.momDim, units.Momentum)
	}

	scalars := []struct {
		name string
		col  int
		dim  units.Dimension
	}{
		{RecordWeighting, colWeight, units.Dimensionless},
		{RecordMass, colMass, units.Mass},
		{RecordCharge, colCharge, units.Charge},
	}
	for _, s := range scalars {
		rec, ok := sp.Records[s.name]
		if !ok {
			continue
		}
		if err := f.scalarColumn(s.name, rec, s.dim, s.col); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) selectSpecies(o options) (*pmd.Iteration, *pmd.ParticleSpecies, error) {
	h := f.pf.Header()
	name := o.species
	for i := range h.Iterations {
		it := &h.Iterations[i]
		if len(it.Particles) == 0 {
			continue
		}
		if name == "" {
			names := it.SpeciesNames()
			switch {
			case len(names) == 1:
				name = names[0]
			case o.defaultName != "" && slices.Contains(names, o.defaultName):
				name = o.defaultName
			default:
				return nil, nil, fmt.Errorf("file holds species %v; select one by name", names)
			}
		}
		sp, ok := it.Particles[name]
		if !ok {
			continue
		}
		f.species = name
		return it, sp, nil
	}
	if name == "" {
		return nil, nil, fmt.Errorf("file holds no particle species")
	}
	return nil, nil, fmt.Errorf("no species %q in file", name)
}

func (f *File) vectorColumns(name string, rec *pmd.Record, comps []string, first int) error {
	for _, c := range comps {
		comp, ok := rec.Components[c]
		if !ok {
			return fmt.Errorf("%s record lacks component %q required for %s geometry", name, c, f.geom)
		}
		if err := f.checkLength(name+"."+c, comp); err != nil {
			return err
		}
		f.columns[first+axisOffset[c]] = comp
	}
	return nil
}

func (f *File) scalarColumn(name string, rec *pmd.Record, want units.Dimension, col int) error {
	comp, ok := rec.Components[pmd.ScalarComponent]
	if !ok || len(rec.Components) != 1 {
		return fmt.Errorf("%s record must have the single component %q", name, pmd.ScalarComponent)
	}
	dim, _, err := units.FromSlice(rec.UnitDimension, want)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !dim.Equal(want) {
		return fmt.Errorf("%s has dimension %s, want %s (%s)", name, dim, want.Name(), want)
	}
	if err := f.checkLength(name, comp); err != nil {
		return err
	}
	f.columns[col] = comp
	return nil
}

func (f *File) checkLength(name string, c *pmd.Component) error {
	if c.Len() != f.count {
		return fmt.Errorf("%s has %d values for %d particles", name, c.Len(), f.count)
	}
	return nil
}

// Path is the file path.
func (f *File) Path() string { return f.path }

// Species is the name of the species being read.
func (f *File) Species() string { return f.species }

// Count is the number of records.
func (f *File) Count() int64 { return f.count }

// Time is the lab-frame time of the iteration the species was read from.
func (f *File) Time() float64 { return f.time }

// HasMassRecord reports whether the file provides the particle mass.
func (f *File) HasMassRecord() bool { return f.columns[colMass] != nil }

// HasChargeRecord reports whether the file provides the particle charge.
func (f *File) HasChargeRecord() bool { return f.columns[colCharge] != nil }

// PositionUnitDimension returns the position dimension. assumed is true
// when the file declares none and SI is taken by convention.
func (f *File) PositionUnitDimension() (dim units.Dimension, assumed bool) {
	return f.posDim, f.posAssumed
}

// MomentumUnitDimension returns the momentum dimension: units.Momentum for
// p in kg·m/s, dimensionless for γβ. assumed is true when the file
// declares none.
func (f *File) MomentumUnitDimension() (dim units.Dimension, assumed bool) {
	return f.momDim, f.momAssumed
}

// Close releases the file handle.
func (f *File) Close() error { return f.pf.Close() }
