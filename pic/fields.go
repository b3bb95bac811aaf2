package pic

import (
	"fmt"
	"slices"
)

// Channel names an electromagnetic field.
type Channel string

const (
	ChannelE Channel = "E"
	ChannelB Channel = "B"
)

// AppliedField is an externally supplied field the engine writes onto its
// grid. Components names the vector components SampleAt returns, in order.
type AppliedField interface {
	Channel() Channel
	TimeResolved() bool
	Components() []string
	SampleAt(pos []float64, t float64) ([]float64, error)
	// MarkApplied is called after the engine has written the field.
	MarkApplied()
	Close() error
}

// FieldArray holds one channel's node values, one slice per vector
// component, row-major over the grid axes.
type FieldArray struct {
	grid       Grid
	components []string
	data       map[string][]float64
}

func newFieldArray(g Grid) *FieldArray {
	a := &FieldArray{grid: g, components: g.Geometry.FieldComponents(), data: map[string][]float64{}}
	for _, c := range a.components {
		a.data[c] = make([]float64, g.NumNodes())
	}
	return a
}

// Components returns the component names.
func (a *FieldArray) Components() []string { return a.components }

// HasComponent reports whether c is one of the array's components.
func (a *FieldArray) HasComponent(c string) bool {
	return slices.Contains(a.components, c)
}

// At returns the value of component c at node idx.
func (a *FieldArray) At(c string, idx []int) float64 {
	vals, ok := a.data[c]
	if !ok {
		panic(fmt.Sprintf("field array has no component %q", c))
	}
	return vals[a.grid.flatten(idx)]
}

// Values returns a copy of component c.
func (a *FieldArray) Values(c string) []float64 {
	return append([]float64(nil), a.data[c]...)
}

// IsZero reports whether every value of every component is zero.
func (a *FieldArray) IsZero() bool {
	for _, vals := range a.data {
		for _, v := range vals {
			if v != 0 {
				return false
			}
		}
	}
	return true
}
