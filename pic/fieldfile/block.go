package fieldfile

import (
	"fmt"
)

// Block is a sub-grid of field values read in one pass, row-major over the
// box [Lo, Hi).
type Block struct {
	Lo, Hi     []int
	Components []string
	Values     map[string][]float64
}

// At returns component c at absolute file index idx, which must lie in the
// block.
func (b *Block) At(c string, idx []int) float64 {
	flat := 0
	for i := range idx {
		flat = flat*(b.Hi[i]-b.Lo[i]) + idx[i] - b.Lo[i]
	}
	return b.Values[c][flat]
}

// SampleBox reads every value in the file-index box [lo, hi) at time t.
// Rows along the last axis are read in bulk, so a process only touches the
// part of the file covering its own nodes.
func (f *File) SampleBox(lo, hi []int, t float64) (*Block, error) {
	dims := len(f.shape)
	if len(lo) != dims || len(hi) != dims {
		return nil, fmt.Errorf("box [%v, %v) does not have %d axes", lo, hi, dims)
	}
	size := 1
	for i := range lo {
		if lo[i] < 0 || hi[i] > f.shape[i] || lo[i] >= hi[i] {
			return nil, fmt.Errorf("box [%v, %v) is empty or outside grid shape %v", lo, hi, f.shape)
		}
		size *= hi[i] - lo[i]
	}
	b := &Block{Lo: lo, Hi: hi, Components: f.components, Values: map[string][]float64{}}
	for _, c := range f.components {
		b.Values[c] = make([]float64, 0, size)
	}
	i0, i1, w := f.bracket(t)
	rowLen := hi[dims-1] - lo[dims-1]
	row0 := make([]float64, rowLen)
	row1 := make([]float64, rowLen)
	idx := append([]int(nil), lo...)
	for {
		flat, err := f.flatIndex(idx)
		if err != nil {
			return nil, err
		}
		for ci, c := range f.components {
			if err := f.readRow(i0, ci, flat, row0); err != nil {
				return nil, err
			}
			if w != 0 {
				if err := f.readRow(i1, ci, flat, row1); err != nil {
					return nil, err
				}
				for k := range row0 {
					row0[k] = (1-w)*row0[k] + w*row1[k]
				}
			}
			b.Values[c] = append(b.Values[c], row0...)
		}
		axis := dims - 2
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < hi[axis] {
				break
			}
			idx[axis] = lo[axis]
			axis--
		}
		if axis < 0 {
			return b, nil
		}
	}
}

func (f *File) readRow(frameIdx, comp int, flat int64, dst []float64) error {
	c := f.frames[frameIdx].comps[comp]
	if err := f.pf.ReadValues(c, flat, dst); err != nil {
		return &FieldLoadError{Path: f.path, Reason: err.Error()}
	}
	scale := c.Scale()
	for k := range dst {
		dst[k] *= scale
	}
	return nil
}
