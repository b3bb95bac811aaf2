// Package units describes physical quantities as exponents of the seven SI
// base units, in openPMD order: length, mass, time, current, temperature,
// amount of substance, luminous intensity.
package units

import (
	"fmt"
	"math"
	"strings"
)

// Physical constants in SI units.
const (
	SpeedOfLight     = 299792458.0
	ElementaryCharge = 1.602176634e-19
	ElectronMass     = 9.1093837015e-31
	ProtonMass       = 1.67262192369e-27
)

// Dimension holds SI base-unit exponents (L, M, T, I, θ, N, J).
type Dimension [7]float64

// Canonical dimensions of the records this module reads.
var (
	Dimensionless = Dimension{}
	Length        = Dimension{1, 0, 0, 0, 0, 0, 0}
	Mass          = Dimension{0, 1, 0, 0, 0, 0, 0}
	Time          = Dimension{0, 0, 1, 0, 0, 0, 0}
	Charge        = Dimension{0, 0, 1, 1, 0, 0, 0}             // A·s
	Momentum      = Dimension{1, 1, -1, 0, 0, 0, 0}            // kg·m/s
	ElectricField = Dimension{1, 1, -3, -1, 0, 0, 0}           // V/m
	MagneticField = Dimension{0, 1, -2, -1, 0, 0, 0}           // T
)

var baseSymbols = [7]string{"L", "M", "T", "I", "θ", "N", "J"}

// FromSlice converts a header exponent list to a Dimension. A nil slice
// returns (fallback, true): files without unit metadata are SI by
// convention and the caller names the dimension it expects.
func FromSlice(exps []float64, fallback Dimension) (Dimension, bool, error) {
	if exps == nil {
		return fallback, true, nil
	}
	if len(exps) != len(Dimension{}) {
		return Dimension{}, false, fmt.Errorf("unit_dimension must have 7 exponents, got %d", len(exps))
	}
	var d Dimension
	for i, e := range exps {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return Dimension{}, false, fmt.Errorf("unit_dimension[%d] must be finite, got %f", i, e)
		}
		d[i] = e
	}
	return d, false, nil
}

// Equal reports whether two dimensions have the same exponents.
func (d Dimension) Equal(o Dimension) bool {
	return d == o
}

// IsDimensionless reports whether every exponent is zero.
func (d Dimension) IsDimensionless() bool {
	return d == Dimensionless
}

// String renders a dimension like "L^1 M^1 T^-1"; "1" for dimensionless.
func (d Dimension) String() string {
	var parts []string
	for i, e := range d {
		if e == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s^%g", baseSymbols[i], e))
	}
	if len(parts) == 0 {
		return "1"
	}
	return strings.Join(parts, " ")
}

// Name returns a human name for the canonical dimensions, or the exponent
// form otherwise.
func (d Dimension) Name() string {
	switch d {
	case Dimensionless:
		return "dimensionless"
	case Length:
		return "length"
	case Mass:
		return "mass"
	case Time:
		return "time"
	case Charge:
		return "charge"
	case Momentum:
		return "momentum"
	case ElectricField:
		return "electric field"
	case MagneticField:
		return "magnetic field"
	}
	return d.String()
}

// ProperVelocity converts a momentum component to the engine's proper
// velocity u = γv (m/s). Momenta with dimension Momentum are divided by the
// particle mass; dimensionless momenta are taken as γβ and multiplied by c.
func ProperVelocity(p float64, dim Dimension, mass float64) (float64, error) {
	switch {
	case dim.Equal(Momentum):
		if mass <= 0 {
			return 0, fmt.Errorf("cannot convert momentum to proper velocity with mass %g", mass)
		}
		return p / mass, nil
	case dim.IsDimensionless():
		return p * SpeedOfLight, nil
	}
	return 0, fmt.Errorf("momentum has dimension %s, want %s or dimensionless", dim, Momentum)
}
