// Package testutil provides shared test infrastructure for the pic packages:
// log capture, float assertions and writers for small container fixtures.
package testutil

import (
	"bytes"
	"math"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/picsim/extinit/pic/pmd"
)

// CaptureLog runs fn with the standard logger writing into a buffer at
// warning level and returns what was logged.
func CaptureLog(fn func()) string {
	var buf bytes.Buffer
	origOutput := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.WarnLevel)
	defer func() {
		if origOutput != nil {
			logrus.SetOutput(origOutput)
		} else {
			logrus.SetOutput(os.Stderr)
		}
		logrus.SetLevel(origLevel)
	}()
	fn()
	return buf.String()
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// FieldFixture describes a field file with one mesh per iteration.
type FieldFixture struct {
	Mesh       string
	Geometry   string
	AxisLabels []string
	Spacing    []float64
	Offset     []float64
	Extent     []int64
	Components []string
	// Times holds one iteration time each; nil writes a single iteration at 0.
	Times    []float64
	Periodic bool
	Compress bool
	// Value gives component c at axis coordinates pos and time t.
	Value func(c string, pos []float64, t float64) float64
}

// WriteFieldFile writes fx to path.
func WriteFieldFile(t *testing.T, path string, fx FieldFixture) {
	t.Helper()
	w := pmd.NewWriter(fx.Compress)
	w.SetTimePeriodic(fx.Periodic)
	times := fx.Times
	if times == nil {
		times = []float64{0}
	}
	n := int64(1)
	for _, e := range fx.Extent {
		n *= e
	}
	for i, tm := range times {
		comps := map[string][]float64{}
		for _, c := range fx.Components {
			vals := make([]float64, n)
			for flat := int64(0); flat < n; flat++ {
				vals[flat] = fx.Value(c, fixturePosition(fx, flat), tm)
			}
			comps[c] = vals
		}
		spec := pmd.MeshSpec{
			Geometry:   fx.Geometry,
			AxisLabels: fx.AxisLabels,
			Spacing:    fx.Spacing,
			Offset:     fx.Offset,
			Extent:     fx.Extent,
		}
		if err := w.AddMesh(w.Iteration(int64(i), tm), fx.Mesh, spec, comps); err != nil {
			t.Fatalf("building field fixture: %v", err)
		}
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("writing field fixture: %v", err)
	}
}

func fixturePosition(fx FieldFixture, flat int64) []float64 {
	pos := make([]float64, len(fx.Extent))
	for i := len(fx.Extent) - 1; i >= 0; i-- {
		idx := flat % fx.Extent[i]
		flat /= fx.Extent[i]
		pos[i] = fx.Offset[i] + float64(idx)*fx.Spacing[i]
	}
	return pos
}

// ParticleFixture describes one species in a particle file. A nil Y or Py
// omits that component, nil Weights omits the weighting record and nil
// Charge or Mass omits those records.
type ParticleFixture struct {
	Species    string
	Time       float64
	X, Y, Z    []float64
	Px, Py, Pz []float64
	// MomentumDimension is written as the momentum unit_dimension; nil
	// leaves it absent.
	MomentumDimension []float64
	Weights           []float64
	Charge, Mass      *float64
	OmitMomentum      bool
	Compress          bool
}

// WriteParticleFile writes the given species into one iteration at path.
func WriteParticleFile(t *testing.T, path string, fxs ...ParticleFixture) {
	t.Helper()
	w := pmd.NewWriter(len(fxs) > 0 && fxs[0].Compress)
	time := 0.0
	if len(fxs) > 0 {
		time = fxs[0].Time
	}
	it := w.Iteration(0, time)
	for _, fx := range fxs {
		sp := w.AddSpecies(it, fx.Species, int64(len(fx.X)))
		pos := map[string][]float64{"x": fx.X, "z": fx.Z}
		if fx.Y != nil {
			pos["y"] = fx.Y
		}
		if err := w.AddRecord(sp, "position", []float64{1, 0, 0, 0, 0, 0, 0}, pos); err != nil {
			t.Fatalf("building particle fixture: %v", err)
		}
		if !fx.OmitMomentum {
			mom := map[string][]float64{"x": fx.Px, "z": fx.Pz}
			if fx.Py != nil {
				mom["y"] = fx.Py
			}
			if err := w.AddRecord(sp, "momentum", fx.MomentumDimension, mom); err != nil {
				t.Fatalf("building particle fixture: %v", err)
			}
		}
		if fx.Weights != nil {
			if err := w.AddRecord(sp, "weighting", nil, map[string][]float64{pmd.ScalarComponent: fx.Weights}); err != nil {
				t.Fatalf("building particle fixture: %v", err)
			}
		}
		if fx.Charge != nil {
			w.AddConstantRecord(sp, "charge", []float64{0, 0, 1, 1, 0, 0, 0}, *fx.Charge)
		}
		if fx.Mass != nil {
			w.AddConstantRecord(sp, "mass", []float64{0, 1, 0, 0, 0, 0, 0}, *fx.Mass)
		}
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("writing particle fixture: %v", err)
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
