package pmd

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, compress bool) string {
	t.Helper()
	w := NewWriter(compress)
	it := w.Iteration(0, 0)
	spec := MeshSpec{
		Geometry: GeometryCartesian, AxisLabels: []string{"x", "z"},
		Spacing: []float64{0.5, 0.25}, Offset: []float64{-1, 0},
		Extent: []int64{3, 4},
	}
	x := make([]float64, 12)
	z := make([]float64, 12)
	for i := range x {
		x[i] = float64(i)
		z[i] = -float64(i)
	}
	require.NoError(t, w.AddMesh(it, "B", spec, map[string][]float64{"x": x, "z": z}))

	sp := w.AddSpecies(it, "electrons", 2)
	require.NoError(t, w.AddRecord(sp, "position", []float64{1, 0, 0, 0, 0, 0, 0},
		map[string][]float64{"x": {1, 2}, "z": {3, 4}}))
	w.AddConstantRecord(sp, "mass", []float64{0, 1, 0, 0, 0, 0, 0}, 9e-31)

	path := filepath.Join(t.TempDir(), "test.pmd")
	require.NoError(t, w.WriteFile(path))
	return path
}

func TestOpen_RoundTrip_RawAndCompressed(t *testing.T) {
	for _, compress := range []bool{false, true} {
		path := writeTestFile(t, compress)
		f, err := Open(path)
		require.NoError(t, err, "compress=%v", compress)

		hd := f.Header()
		require.Len(t, hd.Iterations, 1)
		mesh := hd.Iterations[0].Meshes["B"]
		require.NotNil(t, mesh)
		assert.Equal(t, []string{"x", "z"}, mesh.ComponentNames())

		for i := int64(0); i < 12; i++ {
			v, err := f.Value(mesh.Components["x"], i)
			require.NoError(t, err)
			assert.Equal(t, float64(i), v)
		}
		dst := make([]float64, 3)
		require.NoError(t, f.ReadValues(mesh.Components["z"], 4, dst))
		assert.Equal(t, []float64{-4, -5, -6}, dst)

		mass := hd.Iterations[0].Particles["electrons"].Records["mass"].Components[ScalarComponent]
		v, err := f.Value(mass, 1)
		require.NoError(t, err)
		assert.Equal(t, 9e-31, v)
		require.NoError(t, f.Close())
	}
}

func TestValue_UsesPageCache(t *testing.T) {
	path := writeTestFile(t, false)
	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	c := f.Header().Iterations[0].Meshes["B"].Components["x"]
	for i := int64(0); i < 12; i++ {
		_, err := f.Value(c, i)
		require.NoError(t, err)
	}
	// THEN all 12 values come from a single page
	assert.Equal(t, 1, f.cachedPages())
}

func TestValue_OutOfRange_Errors(t *testing.T) {
	path := writeTestFile(t, false)
	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	c := f.Header().Iterations[0].Meshes["B"].Components["x"]
	_, err = f.Value(c, 12)
	assert.Error(t, err)
	assert.Error(t, f.ReadValues(c, 10, make([]float64, 3)))
}

func TestReadAfterClose_Errors(t *testing.T) {
	path := writeTestFile(t, false)
	f, err := Open(path)
	require.NoError(t, err)
	c := f.Header().Iterations[0].Meshes["B"].Components["x"]
	require.NoError(t, f.Close())

	_, err = f.Value(c, 0)
	assert.Error(t, err)
}

func writeRaw(t *testing.T, magic string, header string, data []byte) string {
	t.Helper()
	var buf []byte
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	path := filepath.Join(t.TempDir(), "raw.pmd")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestOpen_Malformed_Fails(t *testing.T) {
	tests := []struct {
		name   string
		magic  string
		header string
		data   []byte
	}{
		{"bad magic", "NOTPMD00", "format_version: 1\n", nil},
		{"bad yaml", Magic, "format_version: [\n", nil},
		{"unknown key", Magic, "format_version: 1\nbogus: 2\niterations: [{index: 0, time: 0}]\n", nil},
		{"wrong version", Magic, "format_version: 7\niterations: [{index: 0, time: 0}]\n", nil},
		{"no iterations", Magic, "format_version: 1\n", nil},
		{"decreasing times", Magic, "format_version: 1\niterations: [{index: 0, time: 1}, {index: 1, time: 0}]\n", nil},
		{"block past end", Magic, `format_version: 1
iterations:
  - index: 0
    time: 0
    meshes:
      E:
        geometry: cartesian
        axis_labels: [x]
        grid_spacing: [1]
        grid_global_offset: [0]
        components:
          x: {offset: 0, size: 16, extent: [2]}
`, make([]byte, 8)},
		{"size mismatch", Magic, `format_version: 1
iterations:
  - index: 0
    time: 0
    meshes:
      E:
        geometry: cartesian
        axis_labels: [x]
        grid_spacing: [1]
        grid_global_offset: [0]
        components:
          x: {offset: 0, size: 8, extent: [2]}
`, make([]byte, 16)},
		{"unknown compression", Magic, `format_version: 1
iterations:
  - index: 0
    time: 0
    meshes:
      E:
        geometry: cartesian
        axis_labels: [x]
        grid_spacing: [1]
        grid_global_offset: [0]
        components:
          x: {offset: 0, size: 16, extent: [2], compression: lz4}
`, make([]byte, 16)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRaw(t, tc.magic, tc.header, tc.data)
			_, err := Open(path)
			assert.Error(t, err)
		})
	}
}

func TestOpen_MissingOrDirectory_Fails(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "nope.pmd"))
	assert.Error(t, err)
	_, err = Open(dir)
	assert.Error(t, err)
}

func TestOpen_HeaderLengthBeyondFile_Fails(t *testing.T) {
	var buf []byte
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint64(buf, 1<<40)
	path := filepath.Join(t.TempDir(), "huge.pmd")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err := Open(path)
	assert.ErrorContains(t, err, "header length")
}

func TestWriter_RejectsWrongLengths(t *testing.T) {
	w := NewWriter(false)
	it := w.Iteration(0, 0)
	err := w.AddMesh(it, "E", MeshSpec{Extent: []int64{2, 2}}, map[string][]float64{"x": {1, 2, 3}})
	assert.Error(t, err)

	sp := w.AddSpecies(it, "p", 3)
	err = w.AddRecord(sp, "position", nil, map[string][]float64{"x": {1}})
	assert.Error(t, err)
}
