package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/particlefile"
	"github.com/picsim/extinit/pic/pmd"
)

var (
	inspectSpecies  string // Species whose leading records are printed
	inspectHead     int64  // Number of records to print
	inspectGeometry string // Geometry used to read particle records
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the header of a data file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInspect(cmd.OutOrStdout(), args[0]); err != nil {
			logrus.Fatalf("Inspect failed: %v", err)
		}
		if inspectSpecies != "" {
			if err := printRecords(cmd.OutOrStdout(), args[0], inspectSpecies, inspectGeometry, inspectHead); err != nil {
				logrus.Fatalf("Inspect failed: %v", err)
			}
		}
	},
}

func runInspect(w io.Writer, path string) error {
	pf, err := pmd.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = pf.Close() }()
	h := pf.Header()

	fmt.Fprintf(w, "%s: format %d, %d iteration(s)", path, h.FormatVersion, len(h.Iterations))
	if h.TimePeriodic {
		fmt.Fprint(w, ", time periodic")
	}
	fmt.Fprintln(w)
	for i := range h.Iterations {
		it := &h.Iterations[i]
		fmt.Fprintf(w, "iteration %d  t=%g s\n", it.Index, it.Time)
		for _, name := range it.MeshNames() {
			m := it.Meshes[name]
			var extent []int64
			var compression string
			if names := m.ComponentNames(); len(names) > 0 {
				c := m.Components[names[0]]
				extent, compression = c.Extent, c.Compression
			}
			fmt.Fprintf(w, "  mesh %s  %s axes=%s extent=%v spacing=%v offset=%v components=%s compression=%s\n",
				name, m.Geometry, strings.Join(m.AxisLabels, ","), extent, m.GridSpacing, m.GridGlobalOffset,
				strings.Join(m.ComponentNames(), ","), compression)
		}
		for _, name := range it.SpeciesNames() {
			sp := it.Particles[name]
			fmt.Fprintf(w, "  species %s  %d particle(s) records=%s\n", name, sp.NumParticles, strings.Join(knownRecords(sp), ","))
		}
	}
	return nil
}

// knownRecords lists the phase-space records a species carries, in reading
// order.
func knownRecords(sp *pmd.ParticleSpecies) []string {
	names := make([]string, 0, len(sp.Records))
	for _, candidate := range []string{
		particlefile.RecordPosition, particlefile.RecordMomentum, particlefile.RecordWeighting,
		particlefile.RecordMass, particlefile.RecordCharge,
	} {
		if _, ok := sp.Records[candidate]; ok {
			names = append(names, candidate)
		}
	}
	return names
}

// printRecords prints the first n records of a species in SI units.
func printRecords(w io.Writer, path, species, geometry string, n int64) error {
	geom, err := pic.ParseGeometry(geometry)
	if err != nil {
		return err
	}
	f, err := particlefile.Open(path, geom, particlefile.WithSpecies(species))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	momDim, _ := f.MomentumUnitDimension()
	fmt.Fprintf(w, "species %s: position [m], momentum [%s], weight\n", species, momDim)
	c := f.RecordsRange(0, min(n, f.Count()))
	for c.Next() {
		r := c.Record()
		fmt.Fprintf(w, "  %d  (%g, %g, %g)  (%g, %g, %g)  %g\n", c.Index(),
			r.Position.X, r.Position.Y, r.Position.Z, r.Momentum.X, r.Momentum.Y, r.Momentum.Z, r.Weight)
	}
	return c.Err()
}

func init() {
	inspectCmd.Flags().StringVar(&inspectSpecies, "species", "", "Also print the leading records of this particle species")
	inspectCmd.Flags().Int64Var(&inspectHead, "head", 5, "Number of particle records to print")
	inspectCmd.Flags().StringVar(&inspectGeometry, "geometry", "3d", "Geometry used to read particle records (2d, 3d, rz)")
	rootCmd.AddCommand(inspectCmd)
}
