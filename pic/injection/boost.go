package injection

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/picsim/extinit/pic/units"
)

// toBoostedFrame maps a lab-frame particle at event (tLab, pos) with proper
// velocity u into the frame moving along +z with Lorentz factor gamma, then
// drifts it ballistically to boosted time zero.
func toBoostedFrame(pos, u r3.Vec, tLab, gamma float64) (r3.Vec, r3.Vec) {
	const c = units.SpeedOfLight
	beta := math.Sqrt(1 - 1/(gamma*gamma))
	gp := math.Sqrt(1 + r3.Dot(u, u)/(c*c))

	tB := gamma * (tLab - beta*pos.Z/c)
	zB := gamma * (pos.Z - beta*c*tLab)
	uB := r3.Vec{X: u.X, Y: u.Y, Z: gamma * (u.Z - beta*gp*c)}
	gpB := gamma * (gp - beta*u.Z/c)

	vB := r3.Scale(1/gpB, uB)
	posB := r3.Sub(r3.Vec{X: pos.X, Y: pos.Y, Z: zB}, r3.Scale(tB, vB))
	return posB, uB
}
