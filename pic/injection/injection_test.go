package injection

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/internal/testutil"
	"github.com/picsim/extinit/pic/units"
)

func newSim(t *testing.T, gamma float64) *pic.Simulation {
	t.Helper()
	s, err := pic.NewSimulation(pic.Config{
		Grid: pic.Grid{
			Geometry: pic.Geometry3D,
			Lower:    []float64{-1, -1, -1},
			Upper:    []float64{3, 3, 3},
			Cells:    []int{4, 4, 4},
		},
		GammaBoost: gamma,
	})
	require.NoError(t, err)
	return s
}

// beam is three electrons moving along z with u = 1e6 m/s.
func beam() testutil.ParticleFixture {
	p := 1e6 * units.ElectronMass
	return testutil.ParticleFixture{
		Species: "beam",
		Time:    1e-9,
		X:       []float64{0.1, 0.2, 0.3},
		Y:       []float64{0.4, 0.5, 0.6},
		Z:       []float64{0.7, 0.8, 0.9},
		Px:      []float64{0, 0, 0},
		Py:      []float64{0, 0, 0},
		Pz:      []float64{p, p, p},
		Weights: []float64{1e5, 2e5, 3e5},
		Mass:    testutil.Float(units.ElectronMass),
	}
}

func writeBeam(t *testing.T, fx testutil.ParticleFixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beam.pmd")
	testutil.WriteParticleFile(t, path, fx)
	return path
}

func newBeamSpecies(in *ExternalFileInjector) *pic.Species {
	return pic.NewSpecies("beam", in)
}

func specOf(t *testing.T, sp *pic.Species) *Spec {
	t.Helper()
	require.Len(t, sp.Groups(), 1)
	spec, ok := sp.Groups()[0].Directive.(*Spec)
	require.True(t, ok)
	return spec
}

func TestZShift_MovesOnlyZ(t *testing.T) {
	// GIVEN raw positions z = {0.7, 0.8, 0.9} and a shift of 1.5
	fx := beam()
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{
		Filename: writeBeam(t, fx),
		Charge:   testutil.Float(-units.ElementaryCharge),
		ZShift:   testutil.Float(1.5),
	})
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	// WHEN the engine materializes the species
	require.NoError(t, s.Initialize())

	// THEN z moved by exactly the shift and nothing else changed
	ps := sp.Particles()
	require.Len(t, ps, 3)
	for i, p := range ps {
		testutil.AssertFloat64Equal(t, "z", fx.Z[i]+1.5, p.Position.Z, 1e-15)
		assert.Equal(t, fx.X[i], p.Position.X)
		assert.Equal(t, fx.Y[i], p.Position.Y)
		testutil.AssertFloat64Equal(t, "uz", 1e6, p.U.Z, 1e-12)
		assert.Equal(t, fx.Weights[i], p.Weight)
		assert.Equal(t, units.ElectronMass, p.Mass)
	}
	z, ok := sp.GroupAttr("", "z_shift")
	require.True(t, ok)
	assert.Equal(t, 1.5, z)
}

func TestMissingCharge_FailsAtMaterialization(t *testing.T) {
	// GIVEN a file without a charge record and no override
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, beam())})
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	// WHEN the species is materialized
	err := s.Initialize()

	// THEN it fails naming the species and the property
	var merr *MissingPhysicalPropertyError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "beam", merr.Species)
	assert.Equal(t, "charge", merr.Property)
	assert.Empty(t, sp.Particles())
}

func TestMissingMass_FailsAtMaterialization(t *testing.T) {
	fx := beam()
	fx.Mass = nil
	fx.Charge = testutil.Float(-units.ElementaryCharge)
	s := newSim(t, 1)
	require.NoError(t, s.AddSpecies(newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, fx)}), nil, nil))

	var merr *MissingPhysicalPropertyError
	require.ErrorAs(t, s.Initialize(), &merr)
	assert.Equal(t, "mass", merr.Property)
}

func TestChargeResolution(t *testing.T) {
	fileCharge := -units.ElementaryCharge
	override := -2 * units.ElementaryCharge
	speciesLevel := -3 * units.ElementaryCharge
	tests := []struct {
		name         string
		inFile       *float64
		override     *float64
		speciesLevel *float64
		want         float64
	}{
		{"file record", &fileCharge, nil, nil, fileCharge},
		{"override only", nil, &override, nil, override},
		{"override beats file", &fileCharge, &override, nil, override},
		{"species level beats file", &fileCharge, nil, &speciesLevel, speciesLevel},
		{"override beats species level", nil, &override, &speciesLevel, override},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := beam()
			fx.Charge = tc.inFile
			s := newSim(t, 1)
			sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, fx), Charge: tc.override})
			sp.Charge = tc.speciesLevel
			require.NoError(t, s.AddSpecies(sp, nil, nil))
			require.NoError(t, s.Initialize())

			require.Len(t, sp.Particles(), 3)
			for _, p := range sp.Particles() {
				assert.Equal(t, tc.want, p.Charge)
			}
		})
	}
}

func TestDensityScale_RejectedBeforeIO(t *testing.T) {
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: "/nonexistent/beam.pmd"})

	err := s.AddSpecies(sp, nil, testutil.Float(2))

	var cerr *pic.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "density_scale")
	assert.Empty(t, sp.Groups())
}

func TestPrepareInjection_InvalidOverrides_ConfigurationError(t *testing.T) {
	tests := []*ExternalFileInjector{
		{Filename: ""},
		{Filename: "x.pmd", Mass: testutil.Float(0)},
		{Filename: "x.pmd", Charge: testutil.Float(math.NaN())},
		{Filename: "x.pmd", ZShift: testutil.Float(math.Inf(1))},
	}
	for _, in := range tests {
		var cerr *pic.ConfigurationError
		assert.ErrorAs(t, newSim(t, 1).AddSpecies(newBeamSpecies(in), nil, nil), &cerr)
	}
}

func TestPrepareInjection_StagesGroupAttributes(t *testing.T) {
	path := writeBeam(t, beam())
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{
		Filename:           path,
		Charge:             testutil.Float(-1),
		ImposeTLabFromFile: testutil.Bool(false),
	})
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	g := sp.Groups()[0]
	assert.Equal(t, []string{"injection_style", "injection_file", "charge", "impose_t_lab_from_file"}, g.Keys())
	style, _ := g.Attr("injection_style")
	assert.Equal(t, Style, style)
	file, _ := g.Attr("injection_file")
	assert.Equal(t, path, file)
	assert.Equal(t, StateBound, specOf(t, sp).State())
}

func TestRematerialize_IsReportedNoOp(t *testing.T) {
	// GIVEN a species that has already been injected
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, beam()), Charge: testutil.Float(-1)})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	require.NoError(t, s.Initialize())
	spec := specOf(t, sp)
	assert.Equal(t, StateDone, spec.State())

	// WHEN the initialization pass runs again, as on a checkpoint restart
	output := testutil.CaptureLog(func() {
		require.NoError(t, s.Initialize())
	})

	// THEN nothing is injected twice and the no-op is reported
	assert.Len(t, sp.Particles(), 3)
	assert.True(t, strings.Contains(output, "already materialized"), "got %q", output)
	assert.Equal(t, StateDone, spec.State())
}

func TestStateMachine_NoSkipping(t *testing.T) {
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, beam()), Charge: testutil.Float(-1)})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	spec := specOf(t, sp)

	assert.Error(t, spec.Release(), "a bound spec cannot jump to Done")
	_, err := spec.Materialize(pic.InjectionEnv{Geometry: pic.Geometry3D})
	require.NoError(t, err)
	assert.Equal(t, StateMaterialized, spec.State())
	require.NoError(t, spec.Release())
	assert.Equal(t, StateDone, spec.State())
	require.NoError(t, spec.Release())
}

func TestWarnings_NonFatalOptions(t *testing.T) {
	path := writeBeam(t, beam())
	tests := []struct {
		name   string
		in     *ExternalFileInjector
		layout *pic.Layout
		want   string
	}{
		{"impose without boost", &ExternalFileInjector{Filename: path, ImposeTLabFromFile: testutil.Bool(true)}, nil, "impose_t_lab_from_file"},
		{"total charge", &ExternalFileInjector{Filename: path, TotalCharge: 1e-9}, nil, "q_tot"},
		{"layout", &ExternalFileInjector{Filename: path}, &pic.Layout{Kind: "gridded"}, "layout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			output := testutil.CaptureLog(func() {
				err = newSim(t, 1).AddSpecies(newBeamSpecies(tc.in), tc.layout, nil)
			})
			require.NoError(t, err)
			assert.Contains(t, output, tc.want)
		})
	}
}

func TestDimensionlessMomentum_IsGammaBetaTimesC(t *testing.T) {
	fx := beam()
	fx.MomentumDimension = units.Dimensionless[:]
	fx.Pz = []float64{0.5, 1, 2}
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, fx), Charge: testutil.Float(-1)})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	require.NoError(t, s.Initialize())

	for i, p := range sp.Particles() {
		testutil.AssertFloat64Equal(t, "uz", fx.Pz[i]*units.SpeedOfLight, p.U.Z, 1e-15)
	}
}

func TestBoostedFrame(t *testing.T) {
	gamma := 2.0
	beta := math.Sqrt(1 - 1/(gamma*gamma))
	// one particle co-moving with the boosted frame: γβ along z
	fx := testutil.ParticleFixture{
		Species:           "beam",
		Time:              1e-9,
		X:                 []float64{0.5},
		Y:                 []float64{0.5},
		Z:                 []float64{1},
		Px:                []float64{0},
		Py:                []float64{0},
		Pz:                []float64{gamma * beta},
		MomentumDimension: units.Dimensionless[:],
		Mass:              testutil.Float(units.ElectronMass),
	}
	tests := []struct {
		name   string
		impose bool
		wantZ  float64
	}{
		{"t_lab zero", false, gamma * 1},
		{"t_lab from file", true, gamma * (1 - beta*units.SpeedOfLight*1e-9)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newSim(t, gamma)
			sp := newBeamSpecies(&ExternalFileInjector{
				Filename:           writeBeam(t, fx),
				Charge:             testutil.Float(-1),
				ImposeTLabFromFile: testutil.Bool(tc.impose),
			})
			require.NoError(t, s.AddSpecies(sp, nil, nil))
			require.NoError(t, s.Initialize())

			require.Len(t, sp.Particles(), 1)
			p := sp.Particles()[0]
			testutil.AssertFloat64Equal(t, "z", tc.wantZ, p.Position.Z, 1e-12)
			assert.Equal(t, 0.5, p.Position.X)
			assert.InDelta(t, 0, p.U.Z, 1e-6, "the particle is at rest in the boosted frame")
		})
	}
}

func TestBoostedFrame_ParticleAtRestIsContracted(t *testing.T) {
	gamma := 2.0
	fx := beam()
	fx.Pz = []float64{0, 0, 0}
	s := newSim(t, gamma)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, fx), Charge: testutil.Float(-1)})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	require.NoError(t, s.Initialize())

	beta := math.Sqrt(1 - 1/(gamma*gamma))
	for i, p := range sp.Particles() {
		testutil.AssertFloat64Equal(t, "z", fx.Z[i]/gamma, p.Position.Z, 1e-12)
		testutil.AssertFloat64Equal(t, "uz", -gamma*beta*units.SpeedOfLight, p.U.Z, 1e-12)
	}
}

func TestSubdomainKeep_FiltersRecords(t *testing.T) {
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{Filename: writeBeam(t, beam()), Charge: testutil.Float(-1)})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	spec := specOf(t, sp)

	ps, err := spec.Materialize(pic.InjectionEnv{
		Geometry: pic.Geometry3D,
		Keep:     func(pos r3.Vec) bool { return pos.X > 0.15 },
	})
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestSubdomainKeep_LabFrameSeesShiftedPositions(t *testing.T) {
	// GIVEN a shift of 1.5 and an owner that keeps z > 2.35 only
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{
		Filename: writeBeam(t, beam()),
		Charge:   testutil.Float(-1),
		ZShift:   testutil.Float(1.5),
	})
	require.NoError(t, s.AddSpecies(sp, nil, nil))
	spec := specOf(t, sp)

	// WHEN the lab-frame spec is materialized with that predicate
	var seen []float64
	ps, err := spec.Materialize(pic.InjectionEnv{
		Geometry: pic.Geometry3D,
		Keep: func(pos r3.Vec) bool {
			seen = append(seen, pos.Z)
			return pos.Z > 2.35
		},
	})

	// THEN the predicate ran on every shifted record and kept the last one
	require.NoError(t, err)
	require.Len(t, ps, 1)
	testutil.AssertFloat64Equal(t, "z", 2.4, ps[0].Position.Z, 1e-15)
	require.Len(t, seen, 3)
	testutil.AssertFloat64Equal(t, "first z", 2.2, seen[0], 1e-15)
}

func TestInitialize_LabFrameWithoutSubdomain_InjectsEveryRecord(t *testing.T) {
	// GIVEN an engine in the lab frame, which always passes its ownership predicate
	s := newSim(t, 1)
	sp := newBeamSpecies(&ExternalFileInjector{
		Filename: writeBeam(t, beam()),
		Charge:   testutil.Float(-units.ElementaryCharge),
	})
	require.NoError(t, s.AddSpecies(sp, nil, nil))

	// WHEN the initialization pass runs
	require.NotPanics(t, func() { require.NoError(t, s.Initialize()) })

	// THEN every record becomes a particle carrying the override charge
	require.Len(t, sp.Particles(), 3)
	for _, p := range sp.Particles() {
		assert.Equal(t, -units.ElementaryCharge, p.Charge)
	}
	assert.Equal(t, StateDone, specOf(t, sp).State())
}
