package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/pmd"
	"github.com/picsim/extinit/pic/units"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert CSV tables to data files",
	Long:  "Build field and particle data files from CSV tables, for runs whose inputs come from tools that cannot write the container format.",
}

// --- extinit convert particles ---

// particleConvertOptions describes a particle CSV conversion.
type particleConvertOptions struct {
	CSV       string
	Out       string
	Species   string
	Time      float64
	Charge    *float64
	Mass      *float64
	GammaBeta bool // momentum columns hold γβ instead of kg·m/s
	Compress  bool
}

var (
	particleOpts     particleConvertOptions
	particleCharge   float64
	particleMass     float64
	particleMomentum string
)

var validMomentumUnits = map[string]bool{"si": true, "gamma-beta": true}

var convertParticlesCmd = &cobra.Command{
	Use:   "particles",
	Short: "Convert a particle CSV (x,y,z,px,py,pz[,w]) to a data file",
	Run: func(cmd *cobra.Command, args []string) {
		if !validMomentumUnits[particleMomentum] {
			logrus.Fatalf("Unknown momentum unit %q; valid: si, gamma-beta", particleMomentum)
		}
		opts := particleOpts
		opts.GammaBeta = particleMomentum == "gamma-beta"
		if cmd.Flags().Changed("charge") {
			opts.Charge = &particleCharge
		}
		if cmd.Flags().Changed("mass") {
			opts.Mass = &particleMass
		}
		n, err := convertParticles(opts)
		if err != nil {
			logrus.Fatalf("Particle conversion failed: %v", err)
		}
		logrus.Infof("wrote %d particle(s) of species %s to %s", n, opts.Species, opts.Out)
	},
}

// convertParticles reads a particle CSV with a header naming its columns
// and writes one species to opts.Out. It returns the number of particles.
func convertParticles(opts particleConvertOptions) (int, error) {
	if opts.Species == "" {
		return 0, fmt.Errorf("species name is required")
	}
	header, columns, err := readCSVColumns(opts.CSV)
	if err != nil {
		return 0, err
	}
	required := []string{"x", "z", "px", "pz"}
	for _, c := range required {
		if !slices.Contains(header, c) {
			return 0, fmt.Errorf("%s: missing column %q; header is %v", opts.CSV, c, header)
		}
	}
	for _, c := range header {
		if !validParticleColumns[c] {
			return 0, fmt.Errorf("%s: unknown column %q; valid: x, y, z, px, py, pz, w", opts.CSV, c)
		}
	}
	n := len(columns["x"])

	w := pmd.NewWriter(opts.Compress)
	sp := w.AddSpecies(w.Iteration(0, opts.Time), opts.Species, int64(n))
	pos := map[string][]float64{"x": columns["x"], "z": columns["z"]}
	mom := map[string][]float64{"x": columns["px"], "z": columns["pz"]}
	if y, ok := columns["y"]; ok {
		pos["y"] = y
	}
	if py, ok := columns["py"]; ok {
		mom["y"] = py
	}
	momDim := units.Momentum
	if opts.GammaBeta {
		momDim = units.Dimensionless
	}
	if err := w.AddRecord(sp, "position", units.Length[:], pos); err != nil {
		return 0, err
	}
	if err := w.AddRecord(sp, "momentum", momDim[:], mom); err != nil {
		return 0, err
	}
	if weights, ok := columns["w"]; ok {
		if err := w.AddRecord(sp, "weighting", units.Dimensionless[:], map[string][]float64{pmd.ScalarComponent: weights}); err != nil {
			return 0, err
		}
	}
	if opts.Charge != nil {
		w.AddConstantRecord(sp, "charge", units.Charge[:], *opts.Charge)
	}
	if opts.Mass != nil {
		w.AddConstantRecord(sp, "mass", units.Mass[:], *opts.Mass)
	}
	if err := w.WriteFile(opts.Out); err != nil {
		return 0, err
	}
	return n, nil
}

var validParticleColumns = map[string]bool{"x": true, "y": true, "z": true, "px": true, "py": true, "pz": true, "w": true}

// --- extinit convert field ---

// fieldConvertOptions describes a field CSV conversion. Each CSV holds one
// iteration: a header of component names and one row per grid point in
// row-major order.
type fieldConvertOptions struct {
	CSVs     []string
	Times    []float64
	Out      string
	Mesh     string
	Geometry string
	Shape    []int
	Spacing  []float64
	Offset   []float64
	Periodic bool
	Compress bool
}

var fieldOpts fieldConvertOptions

var convertFieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Convert field CSVs (one per iteration) to a data file",
	Run: func(cmd *cobra.Command, args []string) {
		if err := convertField(fieldOpts); err != nil {
			logrus.Fatalf("Field conversion failed: %v", err)
		}
		logrus.Infof("wrote mesh %s with %d iteration(s) to %s", fieldOpts.Mesh, len(fieldOpts.CSVs), fieldOpts.Out)
	},
}

var meshDimensions = map[string]units.Dimension{
	string(pic.ChannelE): units.ElectricField,
	string(pic.ChannelB): units.MagneticField,
}

func convertField(opts fieldConvertOptions) error {
	geom, err := pic.ParseGeometry(opts.Geometry)
	if err != nil {
		return err
	}
	dims := geom.Dims()
	if len(opts.Shape) != dims || len(opts.Spacing) != dims || len(opts.Offset) != dims {
		return fmt.Errorf("%s fields need %d shape, spacing and offset values", geom, dims)
	}
	if len(opts.CSVs) == 0 {
		return fmt.Errorf("at least one CSV is required")
	}
	times := opts.Times
	if len(times) == 0 && len(opts.CSVs) == 1 {
		times = []float64{0}
	}
	if len(times) != len(opts.CSVs) {
		return fmt.Errorf("%d CSV(s) need %d time(s), got %d", len(opts.CSVs), len(opts.CSVs), len(times))
	}
	extent := make([]int64, dims)
	want := 1
	for i, n := range opts.Shape {
		if n <= 0 {
			return fmt.Errorf("shape[%d] must be positive, got %d", i, n)
		}
		extent[i] = int64(n)
		want *= n
	}
	spec := pmd.MeshSpec{
		Geometry:   geom.MeshGeometry(),
		AxisLabels: geom.AxisLabels(),
		Spacing:    opts.Spacing,
		Offset:     opts.Offset,
		Extent:     extent,
	}
	if dim, ok := meshDimensions[opts.Mesh]; ok {
		spec.UnitDimension = dim[:]
	}
	w := pmd.NewWriter(opts.Compress)
	w.SetTimePeriodic(opts.Periodic)
	for i, path := range opts.CSVs {
		header, columns, err := readCSVColumns(path)
		if err != nil {
			return err
		}
		if got := len(columns[header[0]]); got != want {
			return fmt.Errorf("%s: %d row(s), shape %v needs %d", path, got, opts.Shape, want)
		}
		if err := w.AddMesh(w.Iteration(int64(i), times[i]), opts.Mesh, spec, columns); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return w.WriteFile(opts.Out)
}

// readCSVColumns reads a CSV with a header row into one float column per
// header name.
func readCSVColumns(path string) ([]string, map[string][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening CSV: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading CSV header from %s: %w", path, err)
	}
	columns := make(map[string][]float64, len(header))
	for _, h := range header {
		if _, dup := columns[h]; dup {
			return nil, nil, fmt.Errorf("%s: duplicate column %q", path, h)
		}
		columns[h] = nil
	}
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for i, field := range row {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s line %d column %s: %w", path, line, header[i], err)
			}
			columns[header[i]] = append(columns[header[i]], v)
		}
	}
	return header, columns, nil
}

func init() {
	convertParticlesCmd.Flags().StringVar(&particleOpts.CSV, "csv", "", "Input CSV with columns x,y,z,px,py,pz and optional w")
	convertParticlesCmd.Flags().StringVar(&particleOpts.Out, "out", "", "Output data file")
	convertParticlesCmd.Flags().StringVar(&particleOpts.Species, "species", "", "Species name inside the file")
	convertParticlesCmd.Flags().Float64Var(&particleOpts.Time, "time", 0, "Lab-frame time of the snapshot (s)")
	convertParticlesCmd.Flags().Float64Var(&particleCharge, "charge", 0, "Particle charge (C), stored as a constant record")
	convertParticlesCmd.Flags().Float64Var(&particleMass, "mass", 0, "Particle mass (kg), stored as a constant record")
	convertParticlesCmd.Flags().StringVar(&particleMomentum, "momentum-unit", "si", "Momentum columns unit (si, gamma-beta)")
	convertParticlesCmd.Flags().BoolVar(&particleOpts.Compress, "compress", false, "Compress arrays with zstd")

	convertFieldCmd.Flags().StringSliceVar(&fieldOpts.CSVs, "csv", nil, "Input CSV per iteration; header names the components")
	convertFieldCmd.Flags().Float64SliceVar(&fieldOpts.Times, "times", nil, "Iteration times (s), one per CSV")
	convertFieldCmd.Flags().StringVar(&fieldOpts.Out, "out", "", "Output data file")
	convertFieldCmd.Flags().StringVar(&fieldOpts.Mesh, "mesh", "E", "Mesh name (E or B)")
	convertFieldCmd.Flags().StringVar(&fieldOpts.Geometry, "geometry", "3d", "Grid geometry (2d, 3d, rz)")
	convertFieldCmd.Flags().IntSliceVar(&fieldOpts.Shape, "shape", nil, "Points per axis")
	convertFieldCmd.Flags().Float64SliceVar(&fieldOpts.Spacing, "spacing", nil, "Point spacing per axis (m)")
	convertFieldCmd.Flags().Float64SliceVar(&fieldOpts.Offset, "offset", nil, "Position of the first point per axis (m)")
	convertFieldCmd.Flags().BoolVar(&fieldOpts.Periodic, "periodic", false, "Iterations cover one period of a periodic signal")
	convertFieldCmd.Flags().BoolVar(&fieldOpts.Compress, "compress", false, "Compress arrays with zstd")

	convertCmd.AddCommand(convertParticlesCmd)
	convertCmd.AddCommand(convertFieldCmd)
	rootCmd.AddCommand(convertCmd)
}
