package pic

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry is the dimensionality of the simulation grid.
type Geometry string

const (
	Geometry2D Geometry = "2d" // cartesian (x, z)
	Geometry3D Geometry = "3d" // cartesian (x, y, z)
	GeometryRZ Geometry = "rz" // axisymmetric (r, z)
)

var validGeometries = map[Geometry]bool{
	Geometry2D: true,
	Geometry3D: true,
	GeometryRZ: true,
}

// ParseGeometry validates a geometry name.
func ParseGeometry(s string) (Geometry, error) {
	g := Geometry(s)
	if !validGeometries[g] {
		return "", Configurationf("unknown geometry %q; valid: 2d, 3d, rz", s)
	}
	return g, nil
}

// AxisLabels returns the grid axes in storage order.
func (g Geometry) AxisLabels() []string {
	switch g {
	case Geometry2D:
		return []string{"x", "z"}
	case Geometry3D:
		return []string{"x", "y", "z"}
	case GeometryRZ:
		return []string{"r", "z"}
	}
	return nil
}

// Dims is the number of grid axes.
func (g Geometry) Dims() int { return len(g.AxisLabels()) }

// MeshGeometry is the field-file geometry attribute that matches g.
func (g Geometry) MeshGeometry() string {
	if g == GeometryRZ {
		return "thetaMode"
	}
	return "cartesian"
}

// FieldComponents are the vector components of field arrays on this grid.
func (g Geometry) FieldComponents() []string {
	if g == GeometryRZ {
		return []string{"r", "t", "z"}
	}
	return []string{"x", "y", "z"}
}

// ParticleComponents are the position and momentum components a particle
// file must provide for this geometry. RZ particles are stored in
// cartesian coordinates.
func (g Geometry) ParticleComponents() []string {
	if g == Geometry2D {
		return []string{"x", "z"}
	}
	return []string{"x", "y", "z"}
}

// Coords maps a cartesian particle position to grid coordinates.
func (g Geometry) Coords(pos r3.Vec) []float64 {
	switch g {
	case Geometry2D:
		return []float64{pos.X, pos.Z}
	case GeometryRZ:
		return []float64{math.Hypot(pos.X, pos.Y), pos.Z}
	}
	return []float64{pos.X, pos.Y, pos.Z}
}

func (g Geometry) String() string { return string(g) }

// Grid is a node-centered rectilinear grid: Cells[i]+1 nodes along axis i
// spanning [Lower[i], Upper[i]].
type Grid struct {
	Geometry Geometry
	Lower    []float64
	Upper    []float64
	Cells    []int
}

// Validate checks the grid shape against its geometry.
func (g Grid) Validate() error {
	if !validGeometries[g.Geometry] {
		return Configurationf("unknown geometry %q; valid: 2d, 3d, rz", g.Geometry)
	}
	n := g.Geometry.Dims()
	if len(g.Lower) != n || len(g.Upper) != n || len(g.Cells) != n {
		return Configurationf("%s grid needs %d lower/upper/cells entries, got %d/%d/%d",
			g.Geometry, n, len(g.Lower), len(g.Upper), len(g.Cells))
	}
	for i := 0; i < n; i++ {
		if g.Cells[i] <= 0 {
			return Configurationf("grid cells[%d] must be positive, got %d", i, g.Cells[i])
		}
		if !(g.Upper[i] > g.Lower[i]) {
			return Configurationf("grid upper[%d]=%g must exceed lower[%d]=%g", i, g.Upper[i], i, g.Lower[i])
		}
	}
	if g.Geometry == GeometryRZ && g.Lower[0] < 0 {
		return Configurationf("rz grid must have r >= 0, got lower r %g", g.Lower[0])
	}
	return nil
}

// Nodes returns the number of nodes per axis.
func (g Grid) Nodes() []int {
	nodes := make([]int, len(g.Cells))
	for i, c := range g.Cells {
		nodes[i] = c + 1
	}
	return nodes
}

// NumNodes is the total node count.
func (g Grid) NumNodes() int {
	n := 1
	for _, c := range g.Cells {
		n *= c + 1
	}
	return n
}

// Spacing returns the cell size per axis.
func (g Grid) Spacing() []float64 {
	d := make([]float64, len(g.Cells))
	for i := range d {
		d[i] = (g.Upper[i] - g.Lower[i]) / float64(g.Cells[i])
	}
	return d
}

// NodePosition returns the grid coordinates of a node.
func (g Grid) NodePosition(idx []int) []float64 {
	d := g.Spacing()
	pos := make([]float64, len(idx))
	for i := range idx {
		pos[i] = g.Lower[i] + float64(idx[i])*d[i]
	}
	return pos
}

// Contains reports whether a cartesian particle position lies inside the
// domain, lower edge inclusive and upper edge exclusive.
func (g Grid) Contains(pos r3.Vec) bool {
	c := g.Geometry.Coords(pos)
	for i := range c {
		if c[i] < g.Lower[i] || c[i] >= g.Upper[i] {
			return false
		}
	}
	return true
}

func (g Grid) flatten(idx []int) int {
	nodes := g.Nodes()
	flat := 0
	for i := range idx {
		flat = flat*nodes[i] + idx[i]
	}
	return flat
}

// FullBox covers every node.
func (g Grid) FullBox() Box {
	lo := make([]int, len(g.Cells))
	return Box{Lo: lo, Hi: g.Nodes()}
}

// Box is a half-open node index range [Lo, Hi) owned by one process.
type Box struct {
	Lo []int
	Hi []int
}

func (b Box) validate(g Grid) error {
	nodes := g.Nodes()
	if len(b.Lo) != len(nodes) || len(b.Hi) != len(nodes) {
		return Configurationf("subdomain needs %d lo/hi entries, got %d/%d", len(nodes), len(b.Lo), len(b.Hi))
	}
	for i := range nodes {
		if b.Lo[i] < 0 || b.Hi[i] > nodes[i] || b.Lo[i] >= b.Hi[i] {
			return Configurationf("subdomain axis %d range [%d, %d) is outside [0, %d) or empty",
				i, b.Lo[i], b.Hi[i], nodes[i])
		}
	}
	return nil
}

// Size is the number of nodes in the box.
func (b Box) Size() int {
	n := 1
	for i := range b.Lo {
		n *= b.Hi[i] - b.Lo[i]
	}
	return n
}

// Each calls fn for every node index in the box in row-major order, until
// fn returns false. The slice passed to fn is reused between calls.
func (b Box) Each(fn func(idx []int) bool) {
	if b.Size() <= 0 {
		return
	}
	idx := append([]int(nil), b.Lo...)
	for {
		if !fn(idx) {
			return
		}
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < b.Hi[axis] {
				break
			}
			idx[axis] = b.Lo[axis]
			axis--
		}
		if axis < 0 {
			return
		}
	}
}

// region returns the physical extent [lo, hi) of the box in grid
// coordinates.
func (b Box) region(g Grid) (lo, hi []float64) {
	d := g.Spacing()
	lo = make([]float64, len(b.Lo))
	hi = make([]float64, len(b.Hi))
	for i := range b.Lo {
		lo[i] = g.Lower[i] + float64(b.Lo[i])*d[i]
		hi[i] = g.Lower[i] + float64(b.Hi[i])*d[i]
	}
	return lo, hi
}

func (b Box) String() string {
	return fmt.Sprintf("[%v, %v)", b.Lo, b.Hi)
}
