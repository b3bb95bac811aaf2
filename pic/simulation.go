package pic

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config groups the engine parameters the ingestion subsystem depends on.
type Config struct {
	Grid       Grid
	Dt         float64 // step size in seconds; must be positive to Step
	GammaBoost float64 // Lorentz factor of the boosted frame; <= 1 means lab frame
	Subdomain  *Box    // nodes owned by this process; nil owns the whole grid
}

// Simulation is the reference engine: it owns the grid, field arrays and
// particle containers and runs the initialization pass. It has no solver
// and no particle push.
type Simulation struct {
	cfg Config

	species      []*Species
	applied      map[Channel]AppliedField
	appliedOrder []Channel
	fields       map[Channel]*FieldArray

	step   int
	time   float64
	passes int
}

// NewSimulation validates cfg and allocates zeroed field arrays.
func NewSimulation(cfg Config) (*Simulation, error) {
	if err := cfg.Grid.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(cfg.GammaBoost) || cfg.GammaBoost < 0 {
		return nil, Configurationf("gamma_boost must be non-negative, got %g", cfg.GammaBoost)
	}
	if cfg.Dt < 0 || math.IsNaN(cfg.Dt) || math.IsInf(cfg.Dt, 0) {
		return nil, Configurationf("dt must be finite and non-negative, got %g", cfg.Dt)
	}
	if cfg.Subdomain != nil {
		if err := cfg.Subdomain.validate(cfg.Grid); err != nil {
			return nil, err
		}
	}
	return &Simulation{
		cfg:     cfg,
		applied: map[Channel]AppliedField{},
		fields: map[Channel]*FieldArray{
			ChannelE: newFieldArray(cfg.Grid),
			ChannelB: newFieldArray(cfg.Grid),
		},
	}, nil
}

// Geometry implements Target.
func (s *Simulation) Geometry() Geometry { return s.cfg.Grid.Geometry }

// GammaBoost implements Target.
func (s *Simulation) GammaBoost() float64 { return s.cfg.GammaBoost }

// Grid returns the simulation grid.
func (s *Simulation) Grid() Grid { return s.cfg.Grid }

// Time is the current simulation time in seconds.
func (s *Simulation) Time() float64 { return s.time }

// StepIndex is the number of completed steps.
func (s *Simulation) StepIndex() int { return s.step }

// Field returns the engine-owned array of a channel.
func (s *Simulation) Field(ch Channel) *FieldArray { return s.fields[ch] }

// AddSpecies registers sp and prepares each of its initial distributions.
// A single distribution stages its attributes on the species-level group;
// several are staged on groups "dist0", "dist1", ...
func (s *Simulation) AddSpecies(sp *Species, layout *Layout, densityScale *float64) error {
	if sp == nil || sp.Name == "" {
		return Configurationf("species must have a name")
	}
	for _, existing := range s.species {
		if existing.Name == sp.Name {
			return Configurationf("species %q added twice", sp.Name)
		}
	}
	for i, d := range sp.InitialDistributions {
		source := ""
		if len(sp.InitialDistributions) > 1 {
			source = fmt.Sprintf("dist%d", i)
		}
		if err := d.PrepareInjection(s, sp, layout, densityScale, source); err != nil {
			sp.discardStaged()
			return fmt.Errorf("species %s: %w", sp.Name, err)
		}
	}
	s.species = append(s.species, sp)
	logrus.Debugf("added species %s with %d distribution(s)", sp.Name, len(sp.InitialDistributions))
	return nil
}

// Species looks up a registered species.
func (s *Simulation) Species(name string) (*Species, bool) {
	for _, sp := range s.species {
		if sp.Name == name {
			return sp, true
		}
	}
	return nil, false
}

// AllSpecies returns the registered species in registration order.
func (s *Simulation) AllSpecies() []*Species { return s.species }

// AddAppliedField registers f on its channel. A field already bound to the
// channel is replaced and its handle closed.
func (s *Simulation) AddAppliedField(f AppliedField) error {
	ch := f.Channel()
	arr, ok := s.fields[ch]
	if !ok {
		return Configurationf("unknown field channel %q", ch)
	}
	for _, c := range f.Components() {
		if !arr.HasComponent(c) {
			return Configurationf("applied %s field has component %q; %s grids use %v",
				ch, c, s.Geometry(), arr.Components())
		}
	}
	if prev, ok := s.applied[ch]; ok {
		logrus.Warnf("applied %s field replaced; the previous binding is discarded", ch)
		if err := prev.Close(); err != nil {
			logrus.Warnf("closing replaced %s field: %v", ch, err)
		}
	} else {
		s.appliedOrder = append(s.appliedOrder, ch)
	}
	s.applied[ch] = f
	return nil
}

// AppliedFields returns the registered fields in first-registration order.
func (s *Simulation) AppliedFields() []AppliedField {
	out := make([]AppliedField, 0, len(s.appliedOrder))
	for _, ch := range s.appliedOrder {
		out = append(out, s.applied[ch])
	}
	return out
}

func (s *Simulation) ownedBox() Box {
	if s.cfg.Subdomain != nil {
		return *s.cfg.Subdomain
	}
	return s.cfg.Grid.FullBox()
}

// owns reports whether a particle position falls in this process's
// subdomain.
func (s *Simulation) owns(pos r3.Vec) bool {
	if s.cfg.Subdomain == nil {
		return true
	}
	lo, hi := s.cfg.Subdomain.region(s.cfg.Grid)
	c := s.Geometry().Coords(pos)
	for i := range c {
		if c[i] < lo[i] || c[i] >= hi[i] {
			return false
		}
	}
	return true
}

// Initialize is the engine's initialization pass: every applied field is
// written onto the owned nodes at the current time, then every staged
// injection directive is materialized. Running it again (for example after
// a checkpoint restart) rewrites fields but never replays an injection.
func (s *Simulation) Initialize() error {
	s.passes++
	logrus.Infof("initialization pass %d: %d applied field(s), %d species", s.passes, len(s.applied), len(s.species))
	for _, f := range s.AppliedFields() {
		if err := s.applyField(f, s.time); err != nil {
			return err
		}
	}
	for _, sp := range s.species {
		for _, g := range sp.groups {
			if g.Directive == nil {
				if style, ok := g.Attr("injection_style"); ok {
					return Configurationf("species %s: injection_style %v staged without a directive", sp.Name, style)
				}
				continue
			}
			if err := s.inject(sp, g); err != nil {
				return fmt.Errorf("species %s: %w", sp.Name, err)
			}
		}
	}
	return nil
}

func (s *Simulation) inject(sp *Species, g *Group) error {
	env := InjectionEnv{Geometry: s.Geometry(), GammaBoost: s.cfg.GammaBoost, Keep: s.owns}
	particles, err := g.Directive.Materialize(env)
	if err != nil {
		return err
	}
	kept := 0
	for _, p := range particles {
		if !s.cfg.Grid.Contains(p.Position) {
			sp.rejected++
			continue
		}
		sp.particles = append(sp.particles, p)
		kept++
	}
	if particles != nil {
		logrus.Infof("species %s: injected %d particle(s) from %s, %d outside the domain",
			sp.Name, kept, g.Directive.Style(), len(particles)-kept)
	}
	return g.Directive.Release()
}

// Step advances the clock by dt and resamples every time-resolved field.
func (s *Simulation) Step() error {
	if s.cfg.Dt <= 0 {
		return Configurationf("dt must be positive to step, got %g", s.cfg.Dt)
	}
	s.step++
	s.time = float64(s.step) * s.cfg.Dt
	for _, f := range s.AppliedFields() {
		if !f.TimeResolved() {
			continue
		}
		if err := s.applyField(f, s.time); err != nil {
			return err
		}
	}
	return nil
}

// applyField samples f on every owned node and commits the values only if
// every sample succeeded, so a failing source leaves the arrays untouched.
func (s *Simulation) applyField(f AppliedField, t float64) error {
	arr := s.fields[f.Channel()]
	comps := f.Components()
	box := s.ownedBox()
	staged := make([][]float64, len(comps))
	for i := range staged {
		staged[i] = make([]float64, 0, box.Size())
	}
	flat := make([]int, 0, box.Size())
	var err error
	box.Each(func(idx []int) bool {
		vals, serr := f.SampleAt(s.cfg.Grid.NodePosition(idx), t)
		if serr != nil {
			err = fmt.Errorf("sampling applied %s field at node %v: %w", f.Channel(), idx, serr)
			return false
		}
		for i := range comps {
			staged[i] = append(staged[i], vals[i])
		}
		flat = append(flat, s.cfg.Grid.flatten(idx))
		return true
	})
	if err != nil {
		return err
	}
	for i, c := range comps {
		dst := arr.data[c]
		for j, k := range flat {
			dst[k] = staged[i][j]
		}
	}
	f.MarkApplied()
	logrus.Debugf("applied %s field at t=%g on %d node(s)", f.Channel(), t, len(flat))
	return nil
}

// Close releases every applied field handle.
func (s *Simulation) Close() error {
	var first error
	for _, f := range s.AppliedFields() {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
