package pic

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

// Particle is a macroparticle in engine units: position in meters, proper
// velocity U = γv in m/s, statistical weight, charge in coulombs and mass in
// kilograms.
type Particle struct {
	Position r3.Vec
	U        r3.Vec
	Weight   float64
	Charge   float64
	Mass     float64
}

// Layout describes how an analytic distribution would be sampled onto the
// grid. File-based sources ignore it.
type Layout struct {
	Kind             string // "gridded" or "pseudo_random"
	ParticlesPerCell []int
	NumParticles     int
}

// Target is the read-only view of the engine offered to distributions while
// they are being prepared.
type Target interface {
	Geometry() Geometry
	GammaBoost() float64
}

// Distribution is an initial particle distribution attached to a species.
// The engine calls PrepareInjection once per distribution from AddSpecies.
type Distribution interface {
	PrepareInjection(target Target, species *Species, layout *Layout, densityScale *float64, sourceName string) error
}

// InjectionEnv is what the engine hands an injection directive while
// materializing particles.
type InjectionEnv struct {
	Geometry   Geometry
	GammaBoost float64
	// Keep restricts materialization to the particles this process owns;
	// nil keeps everything.
	Keep func(pos r3.Vec) bool
}

// InjectionDirective is staged on a species group and executed by the
// engine's initialization pass. Materialize must be a reported no-op once a
// directive has already produced its particles.
type InjectionDirective interface {
	Style() string
	Materialize(env InjectionEnv) ([]Particle, error)
	Release() error
	// Close drops any resource held by a directive that will never run.
	Close() error
}

// Group is a named set of attributes on a species. The empty source name is
// the species-level group.
type Group struct {
	Source    string
	Directive InjectionDirective

	keys  []string
	attrs map[string]any
}

// Attr returns a staged attribute.
func (g *Group) Attr(key string) (any, bool) {
	v, ok := g.attrs[key]
	return v, ok
}

// Keys returns attribute names in staging order.
func (g *Group) Keys() []string { return append([]string(nil), g.keys...) }

// Species is a particle species owned by the engine.
type Species struct {
	Name                 string
	Charge               *float64 // species-level charge, overrides file records
	Mass                 *float64 // species-level mass, overrides file records
	InitialDistributions []Distribution

	groups    []*Group
	particles []Particle
	rejected  int
}

// NewSpecies returns a species with the given initial distributions.
func NewSpecies(name string, dists ...Distribution) *Species {
	return &Species{Name: name, InitialDistributions: dists}
}

func (s *Species) group(source string) *Group {
	for _, g := range s.groups {
		if g.Source == source {
			return g
		}
	}
	g := &Group{Source: source, attrs: map[string]any{}}
	s.groups = append(s.groups, g)
	return g
}

// AddNewGroupAttr stages key=value in the group named source. Re-staging a
// key replaces its value.
func (s *Species) AddNewGroupAttr(source, key string, value any) {
	g := s.group(source)
	if _, ok := g.attrs[key]; !ok {
		g.keys = append(g.keys, key)
	}
	g.attrs[key] = value
}

// GroupAttr returns a staged attribute.
func (s *Species) GroupAttr(source, key string) (any, bool) {
	for _, g := range s.groups {
		if g.Source == source {
			return g.Attr(key)
		}
	}
	return nil, false
}

// SetInjectionDirective attaches the directive the engine executes for the
// group named source.
func (s *Species) SetInjectionDirective(source string, d InjectionDirective) {
	s.group(source).Directive = d
}

// discardStaged closes every staged directive and drops the groups of a
// species the engine refused.
func (s *Species) discardStaged() {
	for _, g := range s.groups {
		if g.Directive == nil {
			continue
		}
		if err := g.Directive.Close(); err != nil {
			logrus.Warnf("species %s: closing staged %s directive: %v", s.Name, g.Directive.Style(), err)
		}
	}
	s.groups = nil
}

// Groups returns the species' attribute groups in staging order.
func (s *Species) Groups() []*Group { return s.groups }

// Particles returns the materialized macroparticles.
func (s *Species) Particles() []Particle { return s.particles }

// Rejected is the number of particles dropped by the domain boundary check.
func (s *Species) Rejected() int { return s.rejected }

func (s *Species) String() string {
	return fmt.Sprintf("Species: (Name: %s, Groups: %d, Particles: %d)", s.Name, len(s.groups), len(s.particles))
}
