// Package injection creates macroparticles from external phase-space files.
//
// ExternalFileInjector is a pic.Distribution: when its species is added to
// the engine it validates the file and stages an "external_file" directive
// on the species. The engine later materializes the directive exactly once.
//
// Reading Guide:
//   - ExternalFileInjector.PrepareInjection: configuration checks and staging
//   - Spec.Materialize: charge/mass resolution and per-record conversion
//   - toBoostedFrame: lab to boosted frame mapping
package injection

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/particlefile"
	"github.com/picsim/extinit/pic/units"
)

// Style is the injection_style staged for file sources.
const Style = "external_file"

// State is the lifecycle position of a Spec.
type State string

const (
	StateUnbound      State = "Unbound"
	StateBound        State = "Bound"
	StateMaterialized State = "Materialized"
	StateDone         State = "Done"
)

// MissingPhysicalPropertyError reports a species whose charge or mass is
// given neither by an override nor by the particle file.
type MissingPhysicalPropertyError struct {
	Species  string
	Property string
}

func (e *MissingPhysicalPropertyError) Error() string {
	return fmt.Sprintf("species %s: no %s given by an override or the particle file", e.Species, e.Property)
}

// ExternalFileInjector reads a species' initial particles from a file.
// Nil optional fields are unset; a set field always takes effect.
type ExternalFileInjector struct {
	Filename string
	// FileSpecies selects the species inside the file. Empty picks the
	// only species, or the one named like the target species.
	FileSpecies        string
	Charge             *float64 // C, overrides the file's charge record
	Mass               *float64 // kg, overrides the file's mass record
	ZShift             *float64 // m, added to every z position
	ImposeTLabFromFile *bool
	// TotalCharge is accepted but not supported for file sources; a
	// nonzero value is logged and ignored.
	TotalCharge float64
}

// PrepareInjection implements pic.Distribution.
func (in *ExternalFileInjector) PrepareInjection(target pic.Target, species *pic.Species, layout *pic.Layout, densityScale *float64, sourceName string) error {
	if densityScale != nil {
		return pic.Configurationf("density_scale=%g cannot be used with an external file source; particle count and weights come from %s",
			*densityScale, in.Filename)
	}
	if in.Filename == "" {
		return pic.Configurationf("external file injection needs a file name")
	}
	if err := checkOverride("charge", in.Charge, false); err != nil {
		return err
	}
	if err := checkOverride("mass", in.Mass, true); err != nil {
		return err
	}
	if err := checkOverride("z_shift", in.ZShift, false); err != nil {
		return err
	}
	impose := in.ImposeTLabFromFile != nil && *in.ImposeTLabFromFile
	if impose && target.GammaBoost() <= 1 {
		logrus.Warnf("species %s: impose_t_lab_from_file has no effect without a boosted frame (gamma_boost=%g); ignored",
			species.Name, target.GammaBoost())
	}
	if layout != nil {
		logrus.Warnf("species %s: layout %q is ignored for external file injection", species.Name, layout.Kind)
	}

	opts := []particlefile.Option{particlefile.WithTotalCharge(in.TotalCharge)}
	if in.FileSpecies != "" {
		opts = append(opts, particlefile.WithSpecies(in.FileSpecies))
	} else {
		opts = append(opts, particlefile.WithDefaultSpecies(species.Name))
	}
	file, err := particlefile.Open(in.Filename, target.Geometry(), opts...)
	if err != nil {
		return err
	}

	species.AddNewGroupAttr(sourceName, "injection_style", Style)
	species.AddNewGroupAttr(sourceName, "injection_file", in.Filename)
	if in.Charge != nil {
		species.AddNewGroupAttr(sourceName, "charge", *in.Charge)
	}
	if in.Mass != nil {
		species.AddNewGroupAttr(sourceName, "mass", *in.Mass)
	}
	if in.ZShift != nil {
		species.AddNewGroupAttr(sourceName, "z_shift", *in.ZShift)
	}
	if in.ImposeTLabFromFile != nil {
		species.AddNewGroupAttr(sourceName, "impose_t_lab_from_file", *in.ImposeTLabFromFile)
	}
	spec := &Spec{
		species:    species,
		source:     sourceName,
		file:       file,
		charge:     in.Charge,
		mass:       in.Mass,
		imposeTLab: impose,
		state:      StateBound,
	}
	if in.ZShift != nil {
		spec.zShift = *in.ZShift
	}
	species.SetInjectionDirective(sourceName, spec)
	logrus.Debugf("species %s: staged %s injection from %s (%d records)", species.Name, Style, in.Filename, file.Count())
	return nil
}

func checkOverride(name string, v *float64, positive bool) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return pic.Configurationf("%s must be finite, got %g", name, *v)
	}
	if positive && *v <= 0 {
		return pic.Configurationf("%s must be positive, got %g", name, *v)
	}
	return nil
}

// Spec is a staged file injection for one species group. It implements
// pic.InjectionDirective and owns its file handle exclusively.
type Spec struct {
	species    *pic.Species
	source     string
	file       *particlefile.File
	charge     *float64
	mass       *float64
	zShift     float64
	imposeTLab bool
	state      State
}

// State returns the lifecycle state.
func (s *Spec) State() State { return s.state }

// File returns the particle file being read.
func (s *Spec) File() *particlefile.File { return s.file }

// Style implements pic.InjectionDirective.
func (s *Spec) Style() string { return Style }

// resolve picks a charge or mass: the injector override, then the
// species-level value, then the file record.
func (s *Spec) resolve(property string, override, speciesLevel *float64, inFile bool) (*float64, error) {
	switch {
	case override != nil:
		return override, nil
	case speciesLevel != nil:
		return speciesLevel, nil
	case inFile:
		return nil, nil
	}
	return nil, &MissingPhysicalPropertyError{Species: s.species.Name, Property: property}
}

// Materialize implements pic.InjectionDirective. It converts every record
// to an engine particle: SI position with the z shift applied, proper
// velocity, and the boosted-frame mapping when env.GammaBoost > 1. A spec
// that has already been materialized is not replayed.
func (s *Spec) Materialize(env pic.InjectionEnv) ([]pic.Particle, error) {
	switch s.state {
	case StateMaterialized, StateDone:
		logrus.Warnf("species %s: injection from %s already materialized; not repeated", s.species.Name, s.file.Path())
		return nil, nil
	case StateBound:
	default:
		return nil, fmt.Errorf("species %s: injection spec is %s, not Bound", s.species.Name, s.state)
	}
	charge, err := s.resolve("charge", s.charge, s.species.Charge, s.file.HasChargeRecord())
	if err != nil {
		return nil, err
	}
	mass, err := s.resolve("mass", s.mass, s.species.Mass, s.file.HasMassRecord())
	if err != nil {
		return nil, err
	}
	momDim, _ := s.file.MomentumUnitDimension()
	boosted := env.GammaBoost > 1
	tLab := 0.0
	if boosted && s.imposeTLab {
		tLab = s.file.Time()
	}

	keep := env.Keep
	cur := s.file.Records()
	if keep != nil && !boosted {
		owned := keep
		cur = s.file.RecordsWhere(func(r particlefile.Record) bool { return owned(s.shifted(r.Position)) })
		keep = nil
	}
	particles := make([]pic.Particle, 0)
	var macroCharge []float64
	for cur.Next() {
		rec := cur.Record()
		p := pic.Particle{Position: s.shifted(rec.Position), Weight: rec.Weight}
		p.Charge = pick(charge, rec.Charge)
		p.Mass = pick(mass, rec.Mass)
		if p.U, err = properVelocity(rec.Momentum, momDim, p.Mass); err != nil {
			return nil, fmt.Errorf("species %s: record %d: %w", s.species.Name, cur.Index(), err)
		}
		if boosted {
			p.Position, p.U = toBoostedFrame(p.Position, p.U, tLab, env.GammaBoost)
		}
		if keep != nil && !keep(p.Position) {
			continue
		}
		particles = append(particles, p)
		macroCharge = append(macroCharge, p.Charge*p.Weight)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	s.state = StateMaterialized
	logrus.Infof("species %s: materialized %d of %d record(s) from %s, total charge %g C",
		s.species.Name, len(particles), s.file.Count(), s.file.Path(), floats.Sum(macroCharge))
	return particles, nil
}

func (s *Spec) shifted(pos r3.Vec) r3.Vec {
	pos.Z += s.zShift
	return pos
}

func pick(resolved, fromFile *float64) float64 {
	if resolved != nil {
		return *resolved
	}
	return *fromFile
}

func properVelocity(p r3.Vec, dim units.Dimension, mass float64) (r3.Vec, error) {
	var u r3.Vec
	var err error
	if u.X, err = units.ProperVelocity(p.X, dim, mass); err != nil {
		return r3.Vec{}, err
	}
	if u.Y, err = units.ProperVelocity(p.Y, dim, mass); err != nil {
		return r3.Vec{}, err
	}
	if u.Z, err = units.ProperVelocity(p.Z, dim, mass); err != nil {
		return r3.Vec{}, err
	}
	return u, nil
}

// Release implements pic.InjectionDirective: a materialized spec becomes
// Done and closes its file. Releasing a Done spec is a no-op.
func (s *Spec) Release() error {
	switch s.state {
	case StateDone:
		return nil
	case StateMaterialized:
		s.state = StateDone
		return s.file.Close()
	}
	return fmt.Errorf("species %s: cannot release an injection spec in state %s", s.species.Name, s.state)
}

// Close drops the file handle without changing state, for runs that abort
// before materialization. It is safe to call after Release.
func (s *Spec) Close() error {
	return s.file.Close()
}
