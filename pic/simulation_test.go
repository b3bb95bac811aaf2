package pic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTestGrid(g Geometry) Grid {
	switch g {
	case Geometry2D:
		return Grid{Geometry: g, Lower: []float64{0, 0}, Upper: []float64{4, 4}, Cells: []int{4, 4}}
	case GeometryRZ:
		return Grid{Geometry: g, Lower: []float64{0, -1}, Upper: []float64{2, 1}, Cells: []int{2, 2}}
	}
	return Grid{Geometry: Geometry3D, Lower: []float64{0, 0, 0}, Upper: []float64{2, 2, 2}, Cells: []int{2, 2, 2}}
}

// linearField is an AppliedField whose x component equals pos[0] + t.
type linearField struct {
	channel  Channel
	resolved bool
	fail     bool
	applied  int
	closed   bool
}

func (f *linearField) Channel() Channel { return f.channel }
func (f *linearField) TimeResolved() bool { return f.resolved }
func (f *linearField) Components() []string { return []string{"x"} }
func (f *linearField) MarkApplied() { f.applied++ }
func (f *linearField) Close() error { f.closed = true; return nil }
func (f *linearField) SampleAt(pos []float64, t float64) ([]float64, error) {
	if f.fail && pos[0] > 0 {
		return nil, errors.New("boom")
	}
	return []float64{pos[0] + t}, nil
}

// fixedInjection materializes a fixed particle list once.
type fixedInjection struct {
	particles []Particle
	done      bool
	released  int
	closed    int
	gotEnv    InjectionEnv
}

func (d *fixedInjection) Style() string { return "fixed" }
func (d *fixedInjection) Release() error {
	d.released++
	return nil
}
func (d *fixedInjection) Close() error {
	d.closed++
	return nil
}
func (d *fixedInjection) Materialize(env InjectionEnv) ([]Particle, error) {
	d.gotEnv = env
	if d.done {
		return nil, nil
	}
	d.done = true
	var out []Particle
	for _, p := range d.particles {
		if env.Keep == nil || env.Keep(p.Position) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fixedDistribution struct {
	directive *fixedInjection
	sources   []string
	fail      error
}

func (d *fixedDistribution) PrepareInjection(target Target, sp *Species, layout *Layout, densityScale *float64, source string) error {
	d.sources = append(d.sources, source)
	if d.fail != nil {
		return d.fail
	}
	sp.AddNewGroupAttr(source, "injection_style", "fixed")
	sp.SetInjectionDirective(source, d.directive)
	return nil
}

func TestNewSimulation_InvalidConfig_ReturnsConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown geometry", Config{Grid: Grid{Geometry: "4d"}}},
		{"missing axes", Config{Grid: Grid{Geometry: Geometry3D, Lower: []float64{0}, Upper: []float64{1}, Cells: []int{1}}}},
		{"inverted bounds", Config{Grid: Grid{Geometry: Geometry2D, Lower: []float64{1, 0}, Upper: []float64{0, 1}, Cells: []int{1, 1}}}},
		{"negative r", Config{Grid: Grid{Geometry: GeometryRZ, Lower: []float64{-1, 0}, Upper: []float64{1, 1}, Cells: []int{1, 1}}}},
		{"negative dt", Config{Grid: newTestGrid(Geometry2D), Dt: -1}},
		{"bad subdomain", Config{Grid: newTestGrid(Geometry2D), Subdomain: &Box{Lo: []int{0, 0}, Hi: []int{9, 9}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSimulation(tc.cfg)
			var cerr *ConfigurationError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestGrid_NodePositionAndContains(t *testing.T) {
	g := newTestGrid(Geometry2D)
	assert.Equal(t, []int{5, 5}, g.Nodes())
	assert.Equal(t, []float64{1, 3}, g.NodePosition([]int{1, 3}))
	assert.True(t, g.Contains(r3.Vec{X: 0, Y: 100, Z: 3.9}), "y is ignored in 2d")
	assert.False(t, g.Contains(r3.Vec{X: 4, Z: 1}), "upper edge is exclusive")

	rz := newTestGrid(GeometryRZ)
	assert.True(t, rz.Contains(r3.Vec{X: 1, Y: 1, Z: 0}))
	assert.False(t, rz.Contains(r3.Vec{X: 2, Y: 2, Z: 0}), "r = 2.83 is outside")
}

func TestBox_Each_VisitsRowMajor(t *testing.T) {
	b := Box{Lo: []int{0, 1}, Hi: []int{2, 3}}
	var got [][]int
	b.Each(func(idx []int) bool {
		got = append(got, append([]int(nil), idx...))
		return true
	})
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {1, 1}, {1, 2}}, got)
	assert.Equal(t, 4, b.Size())
}

func TestAddAppliedField_SameChannelTwice_ReplacesAndCloses(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	first := &linearField{channel: ChannelB}
	second := &linearField{channel: ChannelB}
	other := &linearField{channel: ChannelE}

	require.NoError(t, s.AddAppliedField(first))
	require.NoError(t, s.AddAppliedField(other))
	require.NoError(t, s.AddAppliedField(second))

	fields := s.AppliedFields()
	require.Len(t, fields, 2)
	assert.Same(t, second, fields[0])
	assert.Same(t, other, fields[1])
	assert.True(t, first.closed)
}

func TestAddAppliedField_UnknownComponent_Rejected(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(GeometryRZ)})
	require.NoError(t, err)
	// x is not a component of rz field arrays (r, t, z)
	err = s.AddAppliedField(&linearField{channel: ChannelE})
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestInitialize_WritesFieldAndSteps(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry2D), Dt: 0.5})
	require.NoError(t, err)
	static := &linearField{channel: ChannelB}
	rf := &linearField{channel: ChannelE, resolved: true}
	require.NoError(t, s.AddAppliedField(static))
	require.NoError(t, s.AddAppliedField(rf))

	require.NoError(t, s.Initialize())
	assert.Equal(t, 3.0, s.Field(ChannelB).At("x", []int{3, 0}))
	assert.Equal(t, 3.0, s.Field(ChannelE).At("x", []int{3, 0}))

	require.NoError(t, s.Step())
	assert.Equal(t, 3.0, s.Field(ChannelB).At("x", []int{3, 0}), "static fields are not resampled")
	assert.Equal(t, 3.5, s.Field(ChannelE).At("x", []int{3, 0}))
	assert.Equal(t, 1, static.applied)
	assert.Equal(t, 2, rf.applied)
}

func TestInitialize_FailingField_LeavesArraysUnmodified(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry2D)})
	require.NoError(t, err)
	require.NoError(t, s.AddAppliedField(&linearField{channel: ChannelB, fail: true}))

	assert.Error(t, s.Initialize())
	assert.True(t, s.Field(ChannelB).IsZero())
}

func TestInitialize_SubdomainOnlyWritesOwnedNodes(t *testing.T) {
	box := &Box{Lo: []int{0, 0}, Hi: []int{2, 5}}
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry2D), Subdomain: box})
	require.NoError(t, err)
	require.NoError(t, s.AddAppliedField(&linearField{channel: ChannelB}))
	require.NoError(t, s.Initialize())

	assert.Equal(t, 1.0, s.Field(ChannelB).At("x", []int{1, 2}))
	assert.Equal(t, 0.0, s.Field(ChannelB).At("x", []int{3, 2}), "node outside the subdomain is untouched")
}

func TestAddSpecies_StagesGroupsAndInitializeInjectsOnce(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	inside := Particle{Position: r3.Vec{X: 1, Y: 1, Z: 1}, Weight: 1}
	outside := Particle{Position: r3.Vec{X: 5, Y: 1, Z: 1}, Weight: 1}
	d := &fixedDistribution{directive: &fixedInjection{particles: []Particle{inside, outside}}}
	sp := NewSpecies("electrons", d)

	require.NoError(t, s.AddSpecies(sp, nil, nil))
	assert.Equal(t, []string{""}, d.sources)
	style, ok := sp.GroupAttr("", "injection_style")
	require.True(t, ok)
	assert.Equal(t, "fixed", style)

	require.NoError(t, s.Initialize())
	assert.Len(t, sp.Particles(), 1)
	assert.Equal(t, 1, sp.Rejected())

	// WHEN the initialization pass runs again
	require.NoError(t, s.Initialize())
	// THEN particles are not injected twice
	assert.Len(t, sp.Particles(), 1)
	assert.Equal(t, 2, d.directive.released)
}

func TestAddSpecies_MultipleDistributions_UseDistGroups(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	a := &fixedDistribution{directive: &fixedInjection{}}
	b := &fixedDistribution{directive: &fixedInjection{}}
	sp := NewSpecies("ions", a, b)
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	assert.Equal(t, []string{"dist0"}, a.sources)
	assert.Equal(t, []string{"dist1"}, b.sources)
	assert.Len(t, sp.Groups(), 2)
}

func TestAddSpecies_LaterDistributionFails_ClosesEarlierDirectives(t *testing.T) {
	// GIVEN a species whose second distribution fails to prepare
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	a := &fixedDistribution{directive: &fixedInjection{}}
	b := &fixedDistribution{directive: &fixedInjection{}, fail: Configurationf("bad source")}
	sp := NewSpecies("ions", a, b)

	// WHEN the species is added
	err = s.AddSpecies(sp, nil, nil)

	// THEN the error is returned and the first directive was closed, not kept
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, a.directive.closed)
	assert.Equal(t, 0, b.directive.closed)
	assert.Empty(t, sp.Groups())
	assert.Empty(t, s.AllSpecies())
}

func TestAddSpecies_Duplicate_Rejected(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	require.NoError(t, s.AddSpecies(NewSpecies("e"), nil, nil))
	var cerr *ConfigurationError
	assert.ErrorAs(t, s.AddSpecies(NewSpecies("e"), nil, nil), &cerr)
}

func TestInitialize_StyleWithoutDirective_Fails(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	sp := NewSpecies("e")
	sp.AddNewGroupAttr("", "injection_style", "external_file")
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	var cerr *ConfigurationError
	assert.ErrorAs(t, s.Initialize(), &cerr)
}

func TestInitialize_SubdomainFiltersParticles(t *testing.T) {
	box := &Box{Lo: []int{0, 0, 0}, Hi: []int{1, 3, 3}}
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D), Subdomain: box})
	require.NoError(t, err)
	owned := Particle{Position: r3.Vec{X: 0.5, Y: 1, Z: 1}}
	foreign := Particle{Position: r3.Vec{X: 1.5, Y: 1, Z: 1}}
	d := &fixedDistribution{directive: &fixedInjection{particles: []Particle{owned, foreign}}}
	sp := NewSpecies("e", d)
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	require.NoError(t, s.Initialize())

	require.Len(t, sp.Particles(), 1)
	assert.Equal(t, owned.Position, sp.Particles()[0].Position)
	assert.Equal(t, Geometry3D, d.directive.gotEnv.Geometry)
}

func TestStep_WithoutDt_Fails(t *testing.T) {
	s, err := NewSimulation(Config{Grid: newTestGrid(Geometry3D)})
	require.NoError(t, err)
	assert.Error(t, s.Step())
}

func TestParseGeometry(t *testing.T) {
	g, err := ParseGeometry("rz")
	require.NoError(t, err)
	assert.Equal(t, GeometryRZ, g)
	assert.Equal(t, "thetaMode", g.MeshGeometry())
	assert.Equal(t, []string{"r", "t", "z"}, g.FieldComponents())
	_, err = ParseGeometry("1d")
	assert.Error(t, err)
}
